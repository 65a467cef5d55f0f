package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the target. A non-zero exit status is an
// outcome reported in the result; errors mean the command could not be run.
func (c *Client) ExecuteCommand(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.target.CommandTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	session, err := c.session()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	finalCmd := cmd
	if opts.Sudo {
		if opts.SudoPassword != "" {
			session.Stdin = strings.NewReader(opts.SudoPassword + "\n")
			finalCmd = "sudo -S -p '' " + cmd
		} else {
			finalCmd = "sudo " + cmd
		}
	}

	start := time.Now()
	log.Debug().Str("target", c.target.Address()).Str("cmd", cmd).Bool("sudo", opts.Sudo).Msg("executing remote command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(finalCmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			log.Debug().Str("cmd", cmd).Int("exit", result.ExitCode).Dur("duration", result.Duration).Msg("remote command exited non-zero")
			return result, nil
		}
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("command %q: %w", cmd, runErr),
			IsTemporary: true,
		}
	}

	log.Debug().Str("cmd", cmd).Dur("duration", result.Duration).Msg("remote command completed")
	return result, nil
}
