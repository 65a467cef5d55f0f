package ssh

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trueup-io/trueup/pkg/engine"
)

// Provider exposes inventory targets as engine tools under the exec.remote
// namespace: run for commands, put and fetch for file transfer. Connections
// are cached per target for the life of the provider.
type Provider struct {
	inventory *Inventory

	// dial builds the transport for a target; tests replace it.
	dial func(*Target) (Transport, error)

	mu      sync.Mutex
	clients map[string]Transport
}

// NewProvider returns a provider over a loaded inventory.
func NewProvider(inv *Inventory) *Provider {
	return &Provider{
		inventory: inv,
		dial: func(t *Target) (Transport, error) {
			return NewClient(t)
		},
		clients: make(map[string]Transport),
	}
}

// Wire registers the remote tools into a registry.
func (p *Provider) Wire(reg *engine.Registry) {
	reg.RegisterExec("exec.remote.run", p.Run)
	reg.RegisterExec("exec.remote.put", p.Put)
	reg.RegisterExec("exec.remote.fetch", p.Fetch)
}

// Close disconnects every cached connection.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, client := range p.clients {
		if err := client.Disconnect(); err != nil {
			log.Warn().Err(err).Str("target", name).Msg("failed to disconnect target")
		}
	}
	p.clients = make(map[string]Transport)
}

// connect returns a live transport for a named target, reusing the cached
// one when its health check passes.
func (p *Provider) connect(ctx context.Context, name string) (Transport, error) {
	target, ok := p.inventory.Target(name)
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown target %q", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[name]; ok {
		if client.IsConnected() && client.HealthCheck(ctx) == nil {
			return client, nil
		}
		_ = client.Disconnect()
		delete(p.clients, name)
	}

	client, err := p.dial(target)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("target %q", name), err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("failed to connect to target %q", name), err)
	}
	p.clients[name] = client
	return client, nil
}

// Run executes a command on a target.
func (p *Provider) Run(ctx context.Context, call *engine.ExecCall) (*engine.ExecReturn, error) {
	targetName, cmd := strArg(call.Params, "target"), strArg(call.Params, "cmd")
	if targetName == "" || cmd == "" {
		return nil, engine.NewPermanentError("exec.remote.run requires target and cmd parameters", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if call.Test {
		return &engine.ExecReturn{
			Result:  true,
			Comment: []string{fmt.Sprintf("Command %q would have been executed on %q", cmd, targetName)},
		}, nil
	}

	client, err := p.connect(ctx, targetName)
	if err != nil {
		return nil, err
	}

	opts := ExecOptions{
		Sudo:         boolArg(call.Params, "sudo"),
		SudoPassword: strArg(call.Params, "sudo_password"),
	}
	if secs := numArg(call.Params, "timeout"); secs > 0 {
		opts.Timeout = time.Duration(secs * float64(time.Second))
	}

	result, err := client.ExecuteCommand(ctx, cmd, opts)
	if err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("command on target %q", targetName), err)
	}

	ret := &engine.ExecReturn{
		Result: result.ExitCode == 0,
		Ret: map[string]interface{}{
			"target": targetName,
			"stdout": result.Stdout,
			"stderr": result.Stderr,
			"rc":     result.ExitCode,
		},
	}
	if result.ExitCode != 0 {
		ret.Comment = []string{fmt.Sprintf("Command %q exited with code %d on %q", cmd, result.ExitCode, targetName)}
	}
	return ret, nil
}

// Put uploads a local file to a target.
func (p *Provider) Put(ctx context.Context, call *engine.ExecCall) (*engine.ExecReturn, error) {
	targetName := strArg(call.Params, "target")
	localPath := strArg(call.Params, "local_path")
	remotePath := strArg(call.Params, "remote_path")
	if targetName == "" || localPath == "" || remotePath == "" {
		return nil, engine.NewPermanentError("exec.remote.put requires target, local_path and remote_path parameters", nil).
			WithCode(engine.ErrCodeValidation)
	}

	var mode uint32
	if modeStr := strArg(call.Params, "mode"); modeStr != "" {
		parsed, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid mode %q", modeStr), err).
				WithCode(engine.ErrCodeValidation)
		}
		mode = uint32(parsed)
	}

	if call.Test {
		return &engine.ExecReturn{
			Result:  true,
			Comment: []string{fmt.Sprintf("File %q would have been uploaded to %q on %q", localPath, remotePath, targetName)},
		}, nil
	}

	client, err := p.connect(ctx, targetName)
	if err != nil {
		return nil, err
	}
	if err := client.UploadFile(ctx, localPath, remotePath, mode); err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("upload to target %q", targetName), err)
	}

	checksum, err := client.ComputeChecksum(ctx, remotePath)
	if err != nil {
		log.Warn().Err(err).Str("path", remotePath).Msg("failed to checksum uploaded file")
		checksum = ""
	}

	return &engine.ExecReturn{
		Result: true,
		Ret: map[string]interface{}{
			"target":      targetName,
			"remote_path": remotePath,
			"sha256":      checksum,
		},
	}, nil
}

// Fetch downloads a file from a target.
func (p *Provider) Fetch(ctx context.Context, call *engine.ExecCall) (*engine.ExecReturn, error) {
	targetName := strArg(call.Params, "target")
	remotePath := strArg(call.Params, "remote_path")
	localPath := strArg(call.Params, "local_path")
	if targetName == "" || remotePath == "" || localPath == "" {
		return nil, engine.NewPermanentError("exec.remote.fetch requires target, remote_path and local_path parameters", nil).
			WithCode(engine.ErrCodeValidation)
	}

	if call.Test {
		return &engine.ExecReturn{
			Result:  true,
			Comment: []string{fmt.Sprintf("File %q would have been fetched from %q to %q", remotePath, targetName, localPath)},
		}, nil
	}

	client, err := p.connect(ctx, targetName)
	if err != nil {
		return nil, err
	}
	if err := client.DownloadFile(ctx, remotePath, localPath); err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("download from target %q", targetName), err)
	}

	return &engine.ExecReturn{
		Result: true,
		Ret: map[string]interface{}{
			"target":     targetName,
			"local_path": localPath,
		},
	}, nil
}

func strArg(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func boolArg(params map[string]interface{}, key string) bool {
	b, _ := params[key].(bool)
	return b
}

func numArg(params map[string]interface{}, key string) float64 {
	switch v := params[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}
