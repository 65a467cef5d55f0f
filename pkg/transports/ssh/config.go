package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"gopkg.in/yaml.v3"
)

// AuthMethod selects how a target authenticates.
type AuthMethod string

const (
	// AuthPassword authenticates with a password.
	AuthPassword AuthMethod = "password"

	// AuthKey authenticates with a private key file.
	AuthKey AuthMethod = "key"
)

// Target is one remote host from the inventory.
type Target struct {
	// Host is the hostname or IP address.
	Host string `yaml:"host" validate:"required"`

	// Port is the SSH port; zero selects 22.
	Port int `yaml:"port,omitempty" validate:"gte=0,lte=65535"`

	// User is the SSH user.
	User string `yaml:"user" validate:"required"`

	// Auth selects the authentication method; empty selects key auth.
	Auth AuthMethod `yaml:"auth,omitempty" validate:"omitempty,oneof=password key"`

	// Password authenticates password targets.
	Password string `yaml:"password,omitempty"`

	// PrivateKeyPath points at the private key for key targets; empty
	// falls back to the common ~/.ssh key files.
	PrivateKeyPath string `yaml:"private_key,omitempty"`

	// PrivateKeyPassphrase decrypts an encrypted private key.
	PrivateKeyPassphrase string `yaml:"passphrase,omitempty"`

	// KnownHostsPath is the known_hosts file used for host key
	// verification; empty selects ~/.ssh/known_hosts.
	KnownHostsPath string `yaml:"known_hosts,omitempty"`

	// Insecure skips host key verification entirely.
	Insecure bool `yaml:"insecure,omitempty"`

	// ConnectTimeout bounds connection establishment; zero selects 30s.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`

	// CommandTimeout bounds each command; zero selects 5m.
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`

	// KeepAliveInterval spaces keep-alive requests; zero disables them.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval,omitempty"`
}

// Inventory maps target names to their connection details.
type Inventory struct {
	// Targets holds the declared targets by name.
	Targets map[string]*Target `yaml:"targets" validate:"required,dive"`
}

var inventoryValidate = validator.New()

// LoadInventory reads a YAML inventory file and normalizes every target.
func LoadInventory(path string) (*Inventory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}
	return ParseInventory(raw)
}

// ParseInventory decodes an inventory document and normalizes every target.
func ParseInventory(raw []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if err := inventoryValidate.Struct(&inv); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}
	for name, target := range inv.Targets {
		target.normalize()
		if err := target.Validate(); err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", name, err)
		}
	}
	return &inv, nil
}

// Target returns a declared target by name.
func (inv *Inventory) Target(name string) (*Target, bool) {
	if inv == nil {
		return nil, false
	}
	t, ok := inv.Targets[name]
	return t, ok
}

func (t *Target) normalize() {
	if t.Port == 0 {
		t.Port = 22
	}
	if t.Auth == "" {
		t.Auth = AuthKey
	}
	if t.ConnectTimeout == 0 {
		t.ConnectTimeout = 30 * time.Second
	}
	if t.CommandTimeout == 0 {
		t.CommandTimeout = 5 * time.Minute
	}
	if t.KnownHostsPath == "" && !t.Insecure {
		t.KnownHostsPath = filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts")
	}
}

// Validate checks the target beyond what struct tags can express.
func (t *Target) Validate() error {
	switch t.Auth {
	case AuthPassword:
		if t.Password == "" {
			return fmt.Errorf("password auth requires a password")
		}
	case AuthKey:
		if t.PrivateKeyPath == "" {
			t.PrivateKeyPath = defaultPrivateKey()
		}
		if t.PrivateKeyPath == "" {
			return fmt.Errorf("key auth requires a private key and no default key was found")
		}
		if _, err := os.Stat(t.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key %s: %w", t.PrivateKeyPath, err)
		}
	default:
		return fmt.Errorf("unsupported auth method %q", t.Auth)
	}
	return nil
}

// defaultPrivateKey returns the first of the common ~/.ssh key files that
// exists.
func defaultPrivateKey() string {
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Address returns the dialable host:port address.
func (t *Target) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// ClientConfig builds the ssh.ClientConfig for the target.
func (t *Target) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch t.Auth {
	case AuthPassword:
		auth = append(auth, ssh.Password(t.Password))
		// Many servers only offer keyboard-interactive for password logins.
		auth = append(auth, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = t.Password
				}
				return answers, nil
			},
		))

	case AuthKey:
		keyBytes, err := os.ReadFile(t.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if t.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(t.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("unsupported auth method %q", t.Auth)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // explicit opt-in below
	if !t.Insecure {
		cb, err := knownhosts.New(t.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.ConnectTimeout,
	}, nil
}
