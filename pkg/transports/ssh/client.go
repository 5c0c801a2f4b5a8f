package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client implements Transport over a single multiplexed SSH connection.
type Client struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

var _ Transport = (*Client)(nil)

// NewClient creates a new SSH transport client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		if err := healthCheck(c.client); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// the handshake does not observe ctx, so bound it with a deadline
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.config.ConnectionTimeout))
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return &TransportError{Op: "connect", Err: err, IsTemporary: false, IsAuthError: true}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.connectedAt = time.Now()

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

// ConnectedAt returns when the current connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connectedAt
}

func healthCheck(client *ssh.Client) error {
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

// keepAlive sends periodic keep-alive messages until stop is closed.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if err := healthCheck(client); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

func (c *Client) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}
