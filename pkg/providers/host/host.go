// Package host loads WASM resource plugins and connects them to the
// function registry.
//
// A plugin ships as a manifest plus a WASM module. The manifest declares
// the plugin's namespace, resource types, operations, tools, wait
// policies and capabilities; the module implements them behind a small
// ABI (malloc, free, plugin_init, plugin_invoke) with JSON payloads in
// linear memory. Each plugin runs in its own wazero runtime with a
// memory limit, and everything it can reach on the host goes through
// capability-gated host functions.
//
// The Host keeps registered plugins keyed by name@version, instantiates
// them lazily and wires their declarations into an engine.Registry and a
// config.SchemaRegistry.
package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Host is the set of registered WASM plugins.
type Host struct {
	// mu protects the plugin maps.
	mu sync.RWMutex

	// plugins maps plugin key (name@version) to instantiated plugins.
	plugins map[string]*Plugin

	// manifests maps plugin key to manifest.
	manifests map[string]*Manifest

	// modules maps plugin key to WASM module bytes.
	modules map[string][]byte

	// loader is the manifest loader.
	loader *ManifestLoader

	// config is the per-plugin host configuration.
	config *Config

	// allowed is the set of capabilities plugins may declare. Empty means
	// no restriction.
	allowed map[string]bool

	// logger reports registration and discovery problems.
	logger zerolog.Logger
}

// NewHost creates a plugin host rooted at baseDir.
func NewHost(baseDir string, config *Config) *Host {
	config = config.withDefaults()
	return &Host{
		plugins:   make(map[string]*Plugin),
		manifests: make(map[string]*Manifest),
		modules:   make(map[string][]byte),
		loader:    NewManifestLoader(baseDir),
		config:    config,
		allowed:   make(map[string]bool),
		logger:    config.Logger,
	}
}

// SetAllowedCapabilities restricts the capabilities plugins may declare.
func (h *Host) SetAllowedCapabilities(capabilities []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allowed = make(map[string]bool)
	for _, c := range capabilities {
		h.allowed[c] = true
	}
}

// ValidateCapabilities validates declared capabilities against the
// allowed set. The auto_state capability is a registry behavior and is
// always allowed.
func (h *Host) ValidateCapabilities(capabilities []string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.validateCapabilitiesLocked(capabilities)
}

func (h *Host) validateCapabilitiesLocked(capabilities []string) error {
	if len(h.allowed) == 0 {
		return nil
	}

	var denied []string
	for _, c := range capabilities {
		if c == string(CapAutoState) {
			continue
		}
		if !h.allowed[c] {
			denied = append(denied, c)
		}
	}

	if len(denied) > 0 {
		return fmt.Errorf("capabilities not allowed: %v", denied)
	}

	return nil
}

// Register registers a plugin from manifest YAML and WASM module bytes.
func (h *Host) Register(ctx context.Context, manifestYAML, wasmModule []byte) error {
	manifest, err := h.loader.LoadFromBytes(manifestYAML, wasmModule)
	if err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registerLocked(manifest, wasmModule)
}

// RegisterFromPath registers a plugin from a manifest file, reading the
// WASM module the manifest points at.
func (h *Host) RegisterFromPath(ctx context.Context, manifestPath string) error {
	manifest, err := h.loader.LoadFromFile(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	wasmModule, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return fmt.Errorf("failed to read WASM module: %w", err)
	}

	if manifest.Raw.Checksum != "" {
		if err := manifest.VerifyChecksum(wasmModule); err != nil {
			return fmt.Errorf("checksum verification failed: %w", err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registerLocked(manifest, wasmModule)
}

func (h *Host) registerLocked(manifest *Manifest, wasmModule []byte) error {
	key := pluginKey(manifest.Raw.Metadata.Name, manifest.Raw.Metadata.Version)

	if _, exists := h.manifests[key]; exists {
		return fmt.Errorf("plugin %s already registered", key)
	}

	if err := h.validateCapabilitiesLocked(manifest.GetCapabilities()); err != nil {
		return fmt.Errorf("capability validation failed: %w", err)
	}

	h.manifests[key] = manifest
	h.modules[key] = wasmModule

	h.logger.Debug().
		Str("plugin", key).
		Str("namespace", manifest.Raw.Namespace).
		Strs("resources", manifest.ResourceTypes()).
		Msg("Plugin registered")
	return nil
}

// ScanDirectory registers every plugin found under dir. Plugins live in
// subdirectories holding a manifest.yaml next to their WASM module.
// Broken plugins are logged and skipped.
func (h *Host) ScanDirectory(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		if err := h.RegisterFromPath(ctx, manifestPath); err != nil {
			h.logger.Warn().
				Err(err).
				Str("manifest", manifestPath).
				Msg("Failed to register plugin")
		}
	}

	return nil
}

// Load returns an initialized plugin, instantiating it on first use.
// The version may be exact, empty or "latest", or a tilde or caret
// range.
func (h *Host) Load(ctx context.Context, name, version string) (*Plugin, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadLocked(ctx, name, version)
}

func (h *Host) loadLocked(ctx context.Context, name, version string) (*Plugin, error) {
	key, err := h.resolveVersion(name, version)
	if err != nil {
		return nil, err
	}

	if plugin, exists := h.plugins[key]; exists {
		return plugin, nil
	}

	manifest, exists := h.manifests[key]
	if !exists {
		return nil, fmt.Errorf("plugin %s not found", key)
	}
	wasmModule, exists := h.modules[key]
	if !exists {
		return nil, fmt.Errorf("WASM module for plugin %s not found", key)
	}

	plugin, err := NewPlugin(ctx, manifest, wasmModule, h.config)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate plugin %s: %w", key, err)
	}

	if err := plugin.Init(ctx); err != nil {
		plugin.Close(ctx)
		return nil, fmt.Errorf("failed to initialize plugin %s: %w", key, err)
	}

	h.plugins[key] = plugin
	return plugin, nil
}

// List returns the metadata of every registered plugin, sorted by key.
func (h *Host) List() []PluginMetadata {
	h.mu.RLock()
	defer h.mu.RUnlock()

	keys := make([]string, 0, len(h.manifests))
	for key := range h.manifests {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]PluginMetadata, 0, len(keys))
	for _, key := range keys {
		out = append(out, h.manifests[key].Raw.Metadata)
	}
	return out
}

// Manifests returns the registered manifests, sorted by key.
func (h *Host) Manifests() []*Manifest {
	h.mu.RLock()
	defer h.mu.RUnlock()

	keys := make([]string, 0, len(h.manifests))
	for key := range h.manifests {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]*Manifest, 0, len(keys))
	for _, key := range keys {
		out = append(out, h.manifests[key])
	}
	return out
}

// Unregister removes a plugin, closing it if instantiated.
func (h *Host) Unregister(ctx context.Context, name, version string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := pluginKey(name, version)

	if plugin, exists := h.plugins[key]; exists {
		if err := plugin.Close(ctx); err != nil {
			return fmt.Errorf("failed to close plugin: %w", err)
		}
		delete(h.plugins, key)
	}

	delete(h.manifests, key)
	delete(h.modules, key)

	return nil
}

// Close closes every instantiated plugin and clears the host.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []string
	for key, plugin := range h.plugins {
		if err := plugin.Close(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}

	h.plugins = make(map[string]*Plugin)
	h.manifests = make(map[string]*Manifest)
	h.modules = make(map[string][]byte)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing plugins: %s", strings.Join(errs, "; "))
	}

	return nil
}

// resolveVersion resolves a version constraint to a registered plugin
// key. Supported forms: exact ("1.0.0"), latest ("latest" or ""), tilde
// range ("~1.0.0" matching 1.0.x) and caret range ("^1.0.0" matching
// 1.x.x).
func (h *Host) resolveVersion(name, version string) (string, error) {
	if version == "" || version == "latest" {
		return h.findLatestVersion(name)
	}

	if strings.HasPrefix(version, "~") {
		return h.findTildeVersion(name, version[1:])
	}

	if strings.HasPrefix(version, "^") {
		return h.findCaretVersion(name, version[1:])
	}

	key := pluginKey(name, version)
	if _, exists := h.manifests[key]; !exists {
		return "", fmt.Errorf("plugin %s not found", key)
	}

	return key, nil
}

// findLatestVersion finds the highest registered version of a plugin.
func (h *Host) findLatestVersion(name string) (string, error) {
	var latest string
	for key := range h.manifests {
		if strings.HasPrefix(key, name+"@") {
			if latest == "" || key > latest {
				latest = key
			}
		}
	}

	if latest == "" {
		return "", fmt.Errorf("plugin %s not found", name)
	}

	return latest, nil
}

// findTildeVersion finds the highest version matching major.minor.
func (h *Host) findTildeVersion(name, version string) (string, error) {
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return "", fmt.Errorf("invalid version format: %s", version)
	}

	prefix := name + "@" + parts[0] + "." + parts[1]

	var match string
	for key := range h.manifests {
		if strings.HasPrefix(key, prefix) {
			if match == "" || key > match {
				match = key
			}
		}
	}

	if match == "" {
		return "", fmt.Errorf("no version matching ~%s found for plugin %s", version, name)
	}

	return match, nil
}

// findCaretVersion finds the highest version matching the major version.
func (h *Host) findCaretVersion(name, version string) (string, error) {
	parts := strings.Split(version, ".")
	if len(parts) < 1 {
		return "", fmt.Errorf("invalid version format: %s", version)
	}

	prefix := name + "@" + parts[0]

	var match string
	for key := range h.manifests {
		if strings.HasPrefix(key, prefix) {
			if match == "" || key > match {
				match = key
			}
		}
	}

	if match == "" {
		return "", fmt.Errorf("no version matching ^%s found for plugin %s", version, name)
	}

	return match, nil
}

// pluginKey builds the registry key for a plugin.
func pluginKey(name, version string) string {
	return name + "@" + version
}
