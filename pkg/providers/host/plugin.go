package host

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/trueup-io/trueup/pkg/engine"
)

// Config configures the WASM host.
type Config struct {
	// Timeout bounds each guest call. Default 30s.
	Timeout time.Duration

	// MemoryLimitPages is the guest memory limit in 64KB pages.
	// Default 256 pages (16MB).
	MemoryLimitPages uint32

	// TempDir is the parent directory for plugin scratch space. Each
	// plugin gets its own subdirectory, removed on Close.
	TempDir string

	// Logger receives plugin log output and host diagnostics.
	Logger zerolog.Logger
}

// withDefaults fills unset config fields.
func (c *Config) withDefaults() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.Timeout == 0 {
		out.Timeout = 30 * time.Second
	}
	if out.MemoryLimitPages == 0 {
		out.MemoryLimitPages = 256
	}
	if out.TempDir == "" {
		out.TempDir = os.TempDir()
	}
	return &out
}

// Plugin is one instantiated WASM plugin. It owns the wazero runtime the
// module runs in and the capability enforcer gating its host functions.
type Plugin struct {
	// manifest is the plugin's parsed manifest.
	manifest *Manifest

	// runtime is the wazero runtime.
	runtime wazero.Runtime

	// module is the instantiated WASM module.
	module api.Module

	// bridge calls the plugin's exports.
	bridge *Bridge

	// enforcer gates the host functions.
	enforcer *CapabilityEnforcer

	// logger carries the plugin name on every entry.
	logger zerolog.Logger

	// tempDir is the plugin's private scratch directory.
	tempDir string

	// initialized indicates plugin_init has run.
	initialized bool

	// timeout bounds guest calls.
	timeout time.Duration
}

// NewPlugin instantiates a WASM module under a fresh runtime. The module
// must export the plugin ABI: malloc, free, plugin_init and
// plugin_invoke. Host functions are importable from the "env" module.
func NewPlugin(ctx context.Context, manifest *Manifest, wasmModule []byte, config *Config) (*Plugin, error) {
	config = config.withDefaults()

	logger := config.Logger.With().Str("plugin", manifest.Raw.Metadata.Name).Logger()

	tempDir := filepath.Join(config.TempDir, "trueup-plugin-"+manifest.Raw.Metadata.Name)
	enforcer := NewCapabilityEnforcer(manifest.GetCapabilities(), tempDir)

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(config.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder("env")
	registerHostFunctions(builder, enforcer, logger)

	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	bridge, err := NewBridge(module, config.Timeout)
	if err != nil {
		module.Close(ctx)
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to create WASM bridge: %w", err)
	}

	return &Plugin{
		manifest: manifest,
		runtime:  runtime,
		module:   module,
		bridge:   bridge,
		enforcer: enforcer,
		logger:   logger,
		tempDir:  tempDir,
		timeout:  config.Timeout,
	}, nil
}

// Init runs the plugin's init export, handing it its namespace and
// granted capabilities.
func (p *Plugin) Init(ctx context.Context) error {
	if p.initialized {
		return fmt.Errorf("plugin %s already initialized", p.Name())
	}

	req := &InitRequest{
		Namespace:    p.manifest.Raw.Namespace,
		Capabilities: p.manifest.GetCapabilities(),
	}
	if err := p.bridge.Init(ctx, req); err != nil {
		return err
	}

	p.initialized = true
	p.logger.Debug().
		Str("namespace", req.Namespace).
		Strs("capabilities", req.Capabilities).
		Msg("Plugin initialized")
	return nil
}

// State asks the plugin to run one state operation.
func (p *Plugin) State(ctx context.Context, req *StateRequest) (*engine.ReturnValue, error) {
	if !p.initialized {
		return nil, fmt.Errorf("plugin %s not initialized", p.Name())
	}
	return p.bridge.State(ctx, req)
}

// Tool asks the plugin to run one tool.
func (p *Plugin) Tool(ctx context.Context, req *ToolRequest) (*engine.ExecReturn, error) {
	if !p.initialized {
		return nil, fmt.Errorf("plugin %s not initialized", p.Name())
	}
	return p.bridge.Tool(ctx, req)
}

// Pending asks the plugin whether a result needs another reconciliation
// round.
func (p *Plugin) Pending(ctx context.Context, req *PendingRequest) (bool, error) {
	if !p.initialized {
		return false, fmt.Errorf("plugin %s not initialized", p.Name())
	}
	return p.bridge.Pending(ctx, req)
}

// Close shuts the plugin down and removes its scratch directory.
func (p *Plugin) Close(ctx context.Context) error {
	var errs []error
	if p.module != nil {
		if err := p.module.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close module: %w", err))
		}
	}
	if p.runtime != nil {
		if err := p.runtime.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close runtime: %w", err))
		}
	}
	if err := p.enforcer.Cleanup(); err != nil {
		errs = append(errs, err)
	}
	p.initialized = false
	return errors.Join(errs...)
}

// Manifest returns the plugin's manifest.
func (p *Plugin) Manifest() *Manifest {
	return p.manifest
}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return p.manifest.Raw.Metadata.Name
}

// Namespace returns the plugin's resolution namespace.
func (p *Plugin) Namespace() string {
	return p.manifest.Raw.Namespace
}

// Initialized reports whether plugin_init has run.
func (p *Plugin) Initialized() bool {
	return p.initialized
}

// Host request and response documents. Content fields carry base64 so
// arbitrary bytes survive the JSON boundary.

type httpHostRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type httpHostResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type fileHostRequest struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Mode    uint32 `json:"mode,omitempty"`
}

type fileHostResponse struct {
	Exists  bool   `json:"exists"`
	IsDir   bool   `json:"is_dir,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Mode    uint32 `json:"mode,omitempty"`
	Content string `json:"content,omitempty"`
}

type tempHostRequest struct {
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
}

type envHostRequest struct {
	Name string `json:"name"`
}

type envHostResponse struct {
	Value string `json:"value"`
}

// registerHostFunctions registers the host functions plugins can import
// from the "env" module. Each takes a JSON request in guest memory and
// returns a packed (ptr << 32) | len JSON reply allocated via the guest's
// malloc; errors come back in-band as {"error": "..."}.
func registerHostFunctions(builder wazero.HostModuleBuilder, enforcer *CapabilityEnforcer, logger zerolog.Logger) {
	// Plugin log output.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			switch level {
			case 0:
				logger.Debug().Msg(string(msg))
			case 1:
				logger.Info().Msg(string(msg))
			case 2:
				logger.Warn().Msg(string(msg))
			default:
				logger.Error().Msg(string(msg))
			}
		}).
		Export("log")

	// Outbound HTTP, gated by net:outbound.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			var req httpHostRequest
			if err := readHostRequest(mod, ptr, length, &req); err != nil {
				return hostError(ctx, mod, err.Error())
			}

			var body io.Reader
			if req.Body != "" {
				decoded, err := base64.StdEncoding.DecodeString(req.Body)
				if err != nil {
					return hostError(ctx, mod, "invalid request body encoding")
				}
				body = strings.NewReader(string(decoded))
			}

			resp, err := enforcer.HTTPRequest(ctx, req.Method, req.URL, req.Headers, body)
			if err != nil {
				return hostError(ctx, mod, err.Error())
			}
			defer resp.Body.Close()

			respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
			if err != nil {
				return hostError(ctx, mod, fmt.Sprintf("failed to read response body: %v", err))
			}

			headers := make(map[string]string, len(resp.Header))
			for k := range resp.Header {
				headers[k] = resp.Header.Get(k)
			}

			return hostReply(ctx, mod, &httpHostResponse{
				Status:  resp.StatusCode,
				Headers: headers,
				Body:    base64.StdEncoding.EncodeToString(respBody),
			})
		}).
		Export("http_request")

	// Host file read, gated by fs:read. A missing path is not an error;
	// the reply reports exists false.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			var req fileHostRequest
			if err := readHostRequest(mod, ptr, length, &req); err != nil {
				return hostError(ctx, mod, err.Error())
			}

			info, err := enforcer.Stat(req.Path)
			if errors.Is(err, fs.ErrNotExist) {
				return hostReply(ctx, mod, &fileHostResponse{Exists: false})
			}
			if err != nil {
				return hostError(ctx, mod, err.Error())
			}

			resp := &fileHostResponse{
				Exists: true,
				IsDir:  info.IsDir(),
				Size:   info.Size(),
				Mode:   uint32(info.Mode().Perm()),
			}
			if !info.IsDir() {
				data, err := enforcer.ReadFile(req.Path)
				if err != nil {
					return hostError(ctx, mod, err.Error())
				}
				resp.Content = base64.StdEncoding.EncodeToString(data)
			}

			return hostReply(ctx, mod, resp)
		}).
		Export("read_file")

	// Host file write, gated by fs:write.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			var req fileHostRequest
			if err := readHostRequest(mod, ptr, length, &req); err != nil {
				return hostError(ctx, mod, err.Error())
			}

			data, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				return hostError(ctx, mod, "invalid file content encoding")
			}

			mode := os.FileMode(req.Mode)
			if mode == 0 {
				mode = 0644
			}

			if err := enforcer.WriteFile(req.Path, data, mode); err != nil {
				return hostError(ctx, mod, err.Error())
			}

			return hostReply(ctx, mod, struct{}{})
		}).
		Export("write_file")

	// Host path removal, gated by fs:write.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			var req fileHostRequest
			if err := readHostRequest(mod, ptr, length, &req); err != nil {
				return hostError(ctx, mod, err.Error())
			}

			if err := enforcer.RemovePath(req.Path); err != nil {
				return hostError(ctx, mod, err.Error())
			}

			return hostReply(ctx, mod, struct{}{})
		}).
		Export("remove_path")

	// Scratch file write, gated by fs:temp.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			var req tempHostRequest
			if err := readHostRequest(mod, ptr, length, &req); err != nil {
				return hostError(ctx, mod, err.Error())
			}

			data, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				return hostError(ctx, mod, "invalid file content encoding")
			}

			if err := enforcer.WriteTempFile(req.Name, data); err != nil {
				return hostError(ctx, mod, err.Error())
			}

			return hostReply(ctx, mod, struct{}{})
		}).
		Export("write_temp_file")

	// Scratch file read, gated by fs:temp.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			var req tempHostRequest
			if err := readHostRequest(mod, ptr, length, &req); err != nil {
				return hostError(ctx, mod, err.Error())
			}

			data, err := enforcer.ReadTempFile(req.Name)
			if err != nil {
				return hostError(ctx, mod, err.Error())
			}

			return hostReply(ctx, mod, &tempHostRequest{
				Name:    req.Name,
				Content: base64.StdEncoding.EncodeToString(data),
			})
		}).
		Export("read_temp_file")

	// Environment variable read, gated by env:read.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			var req envHostRequest
			if err := readHostRequest(mod, ptr, length, &req); err != nil {
				return hostError(ctx, mod, err.Error())
			}

			value, err := enforcer.ReadEnv(req.Name)
			if err != nil {
				return hostError(ctx, mod, err.Error())
			}

			return hostReply(ctx, mod, &envHostResponse{Value: value})
		}).
		Export("env_get")
}

// readHostRequest reads a JSON request from guest memory into v.
func readHostRequest(mod api.Module, ptr, length uint32, v interface{}) error {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return fmt.Errorf("failed to read request from memory")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid host request: %v", err)
	}
	return nil
}

// hostReply marshals v, places it in guest memory via the guest's malloc
// and returns the packed (ptr << 32) | len. A zero return means the reply
// could not be delivered; guests treat it as a host failure.
func hostReply(ctx context.Context, mod api.Module, v interface{}) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}

	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}

	ptr := uint32(results[0])
	if ptr == 0 || !mod.Memory().Write(ptr, data) {
		return 0
	}

	return uint64(ptr)<<32 | uint64(len(data))
}

// hostError packs an in-band error reply.
func hostError(ctx context.Context, mod api.Module, msg string) uint64 {
	return hostReply(ctx, mod, map[string]string{"error": msg})
}
