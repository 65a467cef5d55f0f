package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Capability names a host facility a plugin may be granted.
type Capability string

const (
	// CapAutoState marks a resource type as exporting CRUD tools from
	// which present, absent and describe are synthesized. It is a registry
	// behavior, not an enforced host facility.
	CapAutoState Capability = "auto_state"

	// CapNetOutbound allows outbound HTTP requests through the host.
	CapNetOutbound Capability = "net:outbound"

	// CapFSRead allows reading files on the host filesystem.
	CapFSRead Capability = "fs:read"

	// CapFSWrite allows writing and removing files on the host filesystem.
	CapFSWrite Capability = "fs:write"

	// CapFSTemp allows scratch files in the host-managed temp directory.
	CapFSTemp Capability = "fs:temp"

	// CapEnvRead allows reading non-sensitive environment variables.
	CapEnvRead Capability = "env:read"
)

// CapabilityEnforcer enforces capability restrictions for WASM plugins.
// Every host function a plugin can call goes through it.
type CapabilityEnforcer struct {
	// granted is the set of capabilities granted to this plugin.
	granted map[string]bool

	// httpClient is the HTTP client for net:outbound.
	httpClient *http.Client

	// tempDir is the scratch directory for fs:temp.
	tempDir string
}

// NewCapabilityEnforcer creates an enforcer granting the given
// capabilities.
func NewCapabilityEnforcer(capabilities []string, tempDir string) *CapabilityEnforcer {
	enforcer := &CapabilityEnforcer{
		granted: make(map[string]bool),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tempDir: tempDir,
	}
	for _, c := range capabilities {
		enforcer.granted[c] = true
	}
	return enforcer
}

// HasCapability checks whether a capability is granted.
func (e *CapabilityEnforcer) HasCapability(capability Capability) bool {
	return e.granted[string(capability)]
}

// ValidateCapabilities validates that all requested capabilities are
// granted.
func (e *CapabilityEnforcer) ValidateCapabilities(requested []string) error {
	var missing []string
	for _, c := range requested {
		if !e.granted[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required capabilities: %v", missing)
	}
	return nil
}

// HTTPRequest performs an HTTP request if net:outbound is granted.
func (e *CapabilityEnforcer) HTTPRequest(ctx context.Context, method, url string, headers map[string]string, body io.Reader) (*http.Response, error) {
	if !e.HasCapability(CapNetOutbound) {
		return nil, fmt.Errorf("capability net:outbound not granted")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	return resp, nil
}

// tempPath resolves a scratch file name inside the temp directory,
// rejecting path traversal.
func (e *CapabilityEnforcer) tempPath(name string) (string, error) {
	filePath := filepath.Join(e.tempDir, name)
	if !strings.HasPrefix(filepath.Clean(filePath), e.tempDir) {
		return "", fmt.Errorf("invalid file path: path traversal detected")
	}
	return filePath, nil
}

// WriteTempFile writes data to a scratch file if fs:temp is granted.
func (e *CapabilityEnforcer) WriteTempFile(name string, data []byte) error {
	if !e.HasCapability(CapFSTemp) {
		return fmt.Errorf("capability fs:temp not granted")
	}

	if err := os.MkdirAll(e.tempDir, 0750); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	filePath, err := e.tempPath(name)
	if err != nil {
		return err
	}

	if err := os.WriteFile(filePath, data, 0640); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	return nil
}

// ReadTempFile reads a scratch file if fs:temp is granted.
func (e *CapabilityEnforcer) ReadTempFile(name string) ([]byte, error) {
	if !e.HasCapability(CapFSTemp) {
		return nil, fmt.Errorf("capability fs:temp not granted")
	}

	filePath, err := e.tempPath(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read temp file: %w", err)
	}

	return data, nil
}

// DeleteTempFile deletes a scratch file if fs:temp is granted.
func (e *CapabilityEnforcer) DeleteTempFile(name string) error {
	if !e.HasCapability(CapFSTemp) {
		return fmt.Errorf("capability fs:temp not granted")
	}

	filePath, err := e.tempPath(name)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		return fmt.Errorf("failed to delete temp file: %w", err)
	}

	return nil
}

// ListTempFiles lists scratch files if fs:temp is granted.
func (e *CapabilityEnforcer) ListTempFiles() ([]string, error) {
	if !e.HasCapability(CapFSTemp) {
		return nil, fmt.Errorf("capability fs:temp not granted")
	}

	entries, err := os.ReadDir(e.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list temp files: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}

	return files, nil
}

// Stat stats a path if fs:read is granted. A missing path returns
// os.ErrNotExist wrapped, so callers can report existence.
func (e *CapabilityEnforcer) Stat(path string) (os.FileInfo, error) {
	if !e.HasCapability(CapFSRead) {
		return nil, fmt.Errorf("capability fs:read not granted")
	}

	if e.isSensitiveFile(path) {
		return nil, fmt.Errorf("access to sensitive file denied: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ReadFile reads a file if fs:read is granted.
func (e *CapabilityEnforcer) ReadFile(path string) ([]byte, error) {
	if !e.HasCapability(CapFSRead) {
		return nil, fmt.Errorf("capability fs:read not granted")
	}

	if e.isSensitiveFile(path) {
		return nil, fmt.Errorf("access to sensitive file denied: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}

// WriteFile writes a file if fs:write is granted.
func (e *CapabilityEnforcer) WriteFile(path string, data []byte, perm os.FileMode) error {
	if !e.HasCapability(CapFSWrite) {
		return fmt.Errorf("capability fs:write not granted")
	}

	if e.isSensitivePath(path) {
		return fmt.Errorf("access to sensitive path denied: %s", path)
	}

	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// RemovePath removes a file or empty directory if fs:write is granted.
func (e *CapabilityEnforcer) RemovePath(path string) error {
	if !e.HasCapability(CapFSWrite) {
		return fmt.Errorf("capability fs:write not granted")
	}

	if e.isSensitivePath(path) {
		return fmt.Errorf("access to sensitive path denied: %s", path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove path: %w", err)
	}

	return nil
}

// ReadEnv reads an environment variable if env:read is granted.
func (e *CapabilityEnforcer) ReadEnv(key string) (string, error) {
	if !e.HasCapability(CapEnvRead) {
		return "", fmt.Errorf("capability env:read not granted")
	}

	if e.isSensitiveEnvVar(key) {
		return "", fmt.Errorf("access to sensitive environment variable denied: %s", key)
	}

	return os.Getenv(key), nil
}

// isSensitiveFile checks whether a file path is restricted from fs:read.
func (e *CapabilityEnforcer) isSensitiveFile(path string) bool {
	sensitivePaths := []string{
		"/etc/shadow",
		"/root/.ssh",
		"/.aws/credentials",
		"/.kube/config",
	}

	cleanPath := filepath.Clean(path)
	for _, sensitive := range sensitivePaths {
		if strings.Contains(cleanPath, sensitive) {
			return true
		}
	}

	return false
}

// isSensitivePath checks whether a path is restricted from fs:write.
func (e *CapabilityEnforcer) isSensitivePath(path string) bool {
	sensitivePaths := []string{
		"/etc",
		"/root",
		"/sys",
		"/proc",
		"/dev",
	}

	cleanPath := filepath.Clean(path)
	for _, sensitive := range sensitivePaths {
		if cleanPath == sensitive || strings.HasPrefix(cleanPath, sensitive+"/") {
			return true
		}
	}

	return false
}

// isSensitiveEnvVar checks whether an environment variable is restricted
// from env:read.
func (e *CapabilityEnforcer) isSensitiveEnvVar(key string) bool {
	sensitiveVars := []string{
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"GITHUB_TOKEN",
		"GITLAB_TOKEN",
		"SSH_PRIVATE_KEY",
		"SECRET",
		"TOKEN",
		"PASSWORD",
		"API_KEY",
	}

	upperKey := strings.ToUpper(key)
	for _, sensitive := range sensitiveVars {
		if strings.Contains(upperKey, sensitive) {
			return true
		}
	}

	return false
}

// Cleanup removes the scratch directory.
func (e *CapabilityEnforcer) Cleanup() error {
	if !e.HasCapability(CapFSTemp) {
		return nil
	}

	if err := os.RemoveAll(e.tempDir); err != nil {
		return fmt.Errorf("failed to clean up temp directory: %w", err)
	}

	return nil
}
