package host

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trueup-io/trueup/pkg/engine"
)

// PluginManifest is the YAML manifest document shipped next to a plugin's
// WASM module. It declares what the plugin exports and what it needs from
// the host.
type PluginManifest struct {
	// Metadata identifies the plugin.
	Metadata PluginMetadata `yaml:"metadata" json:"metadata"`

	// Namespace is the resolution namespace the plugin's resource types
	// live under, e.g. "localfs" for "localfs.file".
	Namespace string `yaml:"namespace" json:"namespace"`

	// Resources maps resource names to their declarations.
	Resources map[string]*ResourceDecl `yaml:"resources" json:"resources"`

	// Entrypoint is the WASM module path, relative to the manifest unless
	// absolute.
	Entrypoint string `yaml:"entrypoint" json:"entrypoint"`

	// Checksum is the optional sha256 hex digest of the WASM module.
	Checksum string `yaml:"checksum,omitempty" json:"checksum,omitempty"`
}

// PluginMetadata identifies a plugin and its author.
type PluginMetadata struct {
	// Name is the plugin name.
	Name string `yaml:"name" json:"name"`

	// Version is the plugin version.
	Version string `yaml:"version" json:"version"`

	// Author is the plugin author.
	Author string `yaml:"author" json:"author"`

	// License is the plugin license identifier.
	License string `yaml:"license" json:"license"`

	// Description describes what the plugin manages.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// RequiredCapabilities lists host capabilities the plugin needs
	// regardless of resource type.
	RequiredCapabilities []string `yaml:"required_capabilities,omitempty" json:"required_capabilities,omitempty"`
}

// ResourceDecl declares one resource type exported by a plugin.
type ResourceDecl struct {
	// Name is the resource name inside the plugin namespace.
	Name string `yaml:"name" json:"name"`

	// Description describes the resource type.
	Description string `yaml:"description" json:"description"`

	// Operations lists directly exported state operations, e.g. present,
	// absent, describe or mod_watch.
	Operations []string `yaml:"operations,omitempty" json:"operations,omitempty"`

	// Tools lists exported tools beyond the auto-state CRUD set. They are
	// registered under "exec.<namespace>.<resource>.<tool>".
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// CreateParams names the parameters the create tool accepts. The
	// synthesized describe operation reduces listed resource states to
	// these.
	CreateParams []string `yaml:"create_params,omitempty" json:"create_params,omitempty"`

	// Params is an optional CUE schema source for the resource's declared
	// parameters. It should define #Params.
	Params string `yaml:"params,omitempty" json:"params,omitempty"`

	// ReconcileWait is the resource's declared reconciliation wait policy.
	ReconcileWait *engine.WaitSpec `yaml:"reconcile_wait,omitempty" json:"reconcile_wait,omitempty"`

	// IsPending marks the plugin as exporting a pending predicate for this
	// resource, overriding the reconciler's default.
	IsPending bool `yaml:"is_pending,omitempty" json:"is_pending,omitempty"`

	// Capabilities are the capabilities this resource type needs. The
	// auto_state capability marks the resource as exporting CRUD tools;
	// the rest gate host functions.
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// AutoState reports whether the resource declares the auto_state
// capability. Auto-state resources export get, create, update, delete and
// list tools; present, absent and describe are synthesized from them.
func (d *ResourceDecl) AutoState() bool {
	for _, c := range d.Capabilities {
		if c == string(CapAutoState) {
			return true
		}
	}
	return false
}

// Manifest is a parsed plugin manifest.
type Manifest struct {
	// Raw is the manifest document as declared.
	Raw *PluginManifest

	// Path is the file path the manifest was loaded from, if any.
	Path string

	// WasmPath is the resolved path to the WASM module.
	WasmPath string

	// Verified indicates the WASM module checksum has been verified.
	Verified bool
}

// ManifestLoader loads and parses plugin manifests.
type ManifestLoader struct {
	// BaseDir is the base directory for resolving relative entrypoints.
	BaseDir string
}

// NewManifestLoader creates a manifest loader rooted at baseDir.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{BaseDir: baseDir}
}

// LoadFromFile loads a manifest from a YAML file and resolves its WASM
// module path.
func (m *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var raw PluginManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := m.validateManifest(&raw); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	manifest := &Manifest{
		Raw:  &raw,
		Path: path,
	}

	if err := m.resolveWasmPath(manifest); err != nil {
		return nil, fmt.Errorf("failed to resolve WASM path: %w", err)
	}

	return manifest, nil
}

// LoadFromBytes loads a manifest from raw YAML bytes, verifying the WASM
// module checksum when the manifest declares one.
func (m *ManifestLoader) LoadFromBytes(data []byte, wasmModule []byte) (*Manifest, error) {
	var raw PluginManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := m.validateManifest(&raw); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	manifest := &Manifest{Raw: &raw}

	if raw.Checksum != "" {
		if err := manifest.VerifyChecksum(wasmModule); err != nil {
			return nil, err
		}
	}

	return manifest, nil
}

// validateManifest checks the structure of a manifest document.
func (m *ManifestLoader) validateManifest(manifest *PluginManifest) error {
	if manifest.Metadata.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if manifest.Metadata.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if manifest.Metadata.Author == "" {
		return fmt.Errorf("plugin author is required")
	}
	if manifest.Metadata.License == "" {
		return fmt.Errorf("plugin license is required")
	}

	if manifest.Namespace == "" {
		return fmt.Errorf("plugin namespace is required")
	}
	if strings.Contains(manifest.Namespace, ".") {
		return fmt.Errorf("plugin namespace must be a single segment, got %q", manifest.Namespace)
	}

	if manifest.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	if len(manifest.Resources) == 0 {
		return fmt.Errorf("at least one resource type is required")
	}

	for name, decl := range manifest.Resources {
		if decl == nil {
			return fmt.Errorf("resource %s: declaration is empty", name)
		}
		if decl.Name != name {
			return fmt.Errorf("resource name mismatch: key=%s, name=%s", name, decl.Name)
		}
		if decl.Description == "" {
			return fmt.Errorf("resource %s: description is required", name)
		}
		if len(decl.Operations) == 0 && !decl.AutoState() {
			return fmt.Errorf("resource %s: declares neither operations nor the auto_state capability", name)
		}
		if decl.ReconcileWait != nil {
			switch decl.ReconcileWait.Alg {
			case "static", "exponential", "random":
			default:
				return fmt.Errorf("resource %s: unknown wait algorithm %q", name, decl.ReconcileWait.Alg)
			}
		}
	}

	return nil
}

// resolveWasmPath resolves the path to the WASM module.
func (m *ManifestLoader) resolveWasmPath(manifest *Manifest) error {
	if filepath.IsAbs(manifest.Raw.Entrypoint) {
		manifest.WasmPath = manifest.Raw.Entrypoint
		return nil
	}

	if manifest.Path != "" {
		manifest.WasmPath = filepath.Join(filepath.Dir(manifest.Path), manifest.Raw.Entrypoint)
	} else {
		manifest.WasmPath = filepath.Join(m.BaseDir, manifest.Raw.Entrypoint)
	}

	if _, err := os.Stat(manifest.WasmPath); err != nil {
		return fmt.Errorf("WASM module not found at %s: %w", manifest.WasmPath, err)
	}

	return nil
}

// VerifyChecksum verifies the WASM module against the manifest checksum.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	if m.Raw.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}

	hash := sha256.Sum256(wasmModule)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Raw.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s",
			m.Raw.Checksum, computed)
	}

	m.Verified = true
	return nil
}

// GetCapabilities returns the union of the plugin's required capabilities
// and every resource type's capabilities.
func (m *Manifest) GetCapabilities() []string {
	capSet := make(map[string]bool)
	for _, c := range m.Raw.Metadata.RequiredCapabilities {
		capSet[c] = true
	}
	for _, decl := range m.Raw.Resources {
		for _, c := range decl.Capabilities {
			capSet[c] = true
		}
	}

	caps := make([]string, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// TypeName returns the full resource type name for a resource declared in
// this manifest, e.g. "localfs.file" for resource "file".
func (m *Manifest) TypeName(resource string) string {
	return m.Raw.Namespace + "." + resource
}

// ResourceTypes returns the full names of all declared resource types,
// sorted.
func (m *Manifest) ResourceTypes() []string {
	types := make([]string, 0, len(m.Raw.Resources))
	for name := range m.Raw.Resources {
		types = append(types, m.TypeName(name))
	}
	sort.Strings(types)
	return types
}

// Resource returns the declaration for a resource by its short name.
func (m *Manifest) Resource(name string) (*ResourceDecl, error) {
	decl, ok := m.Raw.Resources[name]
	if !ok {
		return nil, fmt.Errorf("resource %s not found in manifest", name)
	}
	return decl, nil
}
