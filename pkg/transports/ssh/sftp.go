package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// UploadFile copies a local file to the target over SFTP, creating parent
// directories as needed. A non-zero mode is applied to the uploaded file.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error {
	start := time.Now()
	log.Debug().Str("local", localPath).Str("remote", remotePath).Msg("uploading file")

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.MkdirAll(filepath.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := client.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if mode > 0 {
		if err := client.Chmod(remotePath, os.FileMode(mode)); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to set mode: %w", err)}
		}
	}

	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("file uploaded")
	return nil
}

// DownloadFile copies a file from the target over SFTP, creating local
// parent directories as needed.
func (c *Client) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	start := time.Now()
	log.Debug().Str("remote", remotePath).Str("local", localPath).Msg("downloading file")

	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	remoteFile, err := client.Open(remotePath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to open remote file: %w", err), IsTemporary: true}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local directory: %w", err)}
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local file: %w", err)}
	}
	defer localFile.Close()

	written, err := copyWithContext(ctx, localFile, remoteFile)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	log.Info().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("file downloaded")
	return nil
}

// ComputeChecksum returns the SHA256 checksum of a remote file.
func (c *Client) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	result, err := c.ExecuteCommand(ctx, fmt.Sprintf("sha256sum %s", remotePath), ExecOptions{})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("sha256sum failed: %s", result.Stderr)}
	}
	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("unexpected sha256sum output %q", result.Stdout)}
	}
	return fields[0], nil
}

func (c *Client) sftpClient() (*sftp.Client, error) {
	conn, err := c.sshConn()
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to start sftp subsystem: %w", err), IsTemporary: true}
	}
	return client, nil
}

// copyWithContext copies src into dst, bailing out when the context is
// cancelled between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}
