package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client drives one inventory target over SSH. It implements Transport.
type Client struct {
	target *Target

	mu          sync.RWMutex
	conn        *ssh.Client
	connected   bool
	connectedAt time.Time
	lastUsedAt  time.Time
}

// NewClient returns a client for a validated target.
func NewClient(target *Target) (*Client, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	return &Client{target: target}, nil
}

// Connect establishes the SSH connection. A live connection is reused; a
// dead one is replaced.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.conn != nil {
		if err := c.probeLocked(); err == nil {
			return nil
		}
		log.Warn().Str("target", c.target.Address()).Msg("existing connection is dead, reconnecting")
		_ = c.conn.Close()
		c.conn = nil
		c.connected = false
	}

	clientConfig, err := c.target.ClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.target.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, dialErr := ssh.Dial("tcp", address, clientConfig)
		if dialErr != nil {
			errChan <- dialErr
			return
		}
		connChan <- conn
	}()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case dialErr := <-errChan:
		return &TransportError{Op: "connect", Err: dialErr, IsTemporary: true}
	case conn := <-connChan:
		c.conn = conn
		c.connected = true
		c.connectedAt = time.Now()
		c.lastUsedAt = time.Now()
		if c.target.KeepAliveInterval > 0 {
			go c.keepAlive()
		}
		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return nil
	}
	log.Debug().Str("target", c.target.Address()).Msg("closing SSH connection")

	err := c.conn.Close()
	c.conn = nil
	c.connected = false
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// HealthCheck verifies the connection is still responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.conn == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.probeLocked()
}

// probeLocked runs a trivial command to check the connection. Callers hold
// at least a read lock.
func (c *Client) probeLocked() error {
	session, err := c.conn.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive spaces keep-alive requests until the connection goes away.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.target.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for range ticker.C {
		c.mu.RLock()
		conn := c.conn
		alive := c.connected
		c.mu.RUnlock()
		if !alive || conn == nil {
			return
		}

		_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
		if err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("keep-alive failed")
			if failures >= 3 {
				log.Error().Str("target", c.target.Address()).Msg("keep-alive gave up, connection may be dead")
				return
			}
			continue
		}
		failures = 0
		c.mu.Lock()
		c.lastUsedAt = time.Now()
		c.mu.Unlock()
	}
}

// ConnectionInfo describes the current connection.
func (c *Client) ConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.target.Host,
		Port:         c.target.Port,
		User:         c.target.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// session returns a fresh session on the live connection.
func (c *Client) session() (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	c.lastUsedAt = time.Now()

	session, err := c.conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	return session, nil
}

// sshConn returns the live connection for the SFTP layer.
func (c *Client) sshConn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("not connected")}
	}
	c.lastUsedAt = time.Now()
	return c.conn, nil
}
