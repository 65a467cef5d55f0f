package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/trueup-io/trueup/pkg/config"
	"github.com/trueup-io/trueup/pkg/engine"
	"github.com/trueup-io/trueup/pkg/providers/builtin"
	"github.com/trueup-io/trueup/pkg/providers/host"
	"github.com/trueup-io/trueup/pkg/stores"
	"github.com/trueup-io/trueup/pkg/telemetry"
	sshtransport "github.com/trueup-io/trueup/pkg/transports/ssh"
)

// cliConfig is the optional config file loaded via --config.
type cliConfig struct {
	// Sources are the directories SLS refs resolve against.
	Sources []string `yaml:"sources"`

	// Params are passed to Starlark state programs.
	Params map[string]interface{} `yaml:"params"`

	// PluginDir holds WASM provider plugins, one subdirectory each.
	PluginDir string `yaml:"plugin_dir"`

	// Capabilities whitelists plugin capabilities; empty allows all.
	Capabilities []string `yaml:"capabilities"`

	// PolicyPaths are rego policy files or directories consulted before
	// each chunk executes.
	PolicyPaths []string `yaml:"policy_paths"`

	// Inventory is the SSH target inventory file.
	Inventory string `yaml:"inventory"`

	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`
}

func loadCLIConfig() (*cliConfig, error) {
	cfg := &cliConfig{
		Sources: []string{"."},
		DBPath:  "trueup.db",
	}
	if configPath == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = []string{"."}
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "trueup.db"
	}
	return cfg, nil
}

func newTelemetry(cfg *cliConfig) (*telemetry.Telemetry, error) {
	tc := telemetry.DefaultConfig()
	tc.Logging.Level = logLevel
	tc.Logging.Format = logFormat
	if cfg.MetricsAddr != "" {
		tc.Metrics.Enabled = true
		tc.Metrics.ListenAddress = cfg.MetricsAddr
	}
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if tc.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			tel.Logger.WithError(err).Warn("failed to start metrics server")
		}
	}
	return tel, nil
}

// runtimeParts bundles the assembled function registry with the optional
// provider host and SSH transport behind it.
type runtimeParts struct {
	Registry *engine.Registry
	Compiler *config.Compiler
	Host     *host.Host
	SSH      *sshtransport.Provider
}

// assembleRuntime builds the registry every command resolves against: the
// built-in states, discovered WASM plugins and the SSH remote tools.
func assembleRuntime(ctx context.Context, cfg *cliConfig, tel *telemetry.Telemetry) (*runtimeParts, error) {
	reg := engine.NewRegistry()
	builtin.Register(reg)
	compiler := config.NewCompiler()

	parts := &runtimeParts{Registry: reg, Compiler: compiler}

	if cfg.PluginDir != "" {
		h := host.NewHost(cfg.PluginDir, &host.Config{
			Logger: tel.Logger.NewComponentLogger("host").Zerolog(),
		})
		if len(cfg.Capabilities) > 0 {
			h.SetAllowedCapabilities(cfg.Capabilities)
		}
		if err := h.ScanDirectory(ctx, cfg.PluginDir); err != nil {
			return nil, fmt.Errorf("failed to scan plugin directory: %w", err)
		}
		if err := h.Wire(ctx, reg, compiler.SchemaRegistry()); err != nil {
			parts.close(ctx)
			return nil, fmt.Errorf("failed to wire plugins: %w", err)
		}
		parts.Host = h
	}

	if cfg.Inventory != "" {
		inv, err := sshtransport.LoadInventory(cfg.Inventory)
		if err != nil {
			parts.close(ctx)
			return nil, fmt.Errorf("failed to load inventory: %w", err)
		}
		prov := sshtransport.NewProvider(inv)
		prov.Wire(reg)
		parts.SSH = prov
	}

	return parts, nil
}

func (p *runtimeParts) close(ctx context.Context) {
	if p.SSH != nil {
		p.SSH.Close()
	}
	if p.Host != nil {
		if err := p.Host.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to close plugin host")
		}
	}
}

// openStore builds the enforced-state store selected by --esm.
func openStore(ctx context.Context, backend string, cfg *cliConfig, upgrade bool) (stores.Store, error) {
	var store stores.Store
	switch backend {
	case "memory":
		store = stores.NewMemoryStore()
	case "sqlite", "":
		s, err := stores.NewSQLiteStore(stores.Config{Path: cfg.DBPath, Upgrade: upgrade})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown state backend %q (want sqlite or memory)", backend)
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}
