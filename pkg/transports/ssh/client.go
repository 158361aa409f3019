package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client runs provisioning hooks on a single remote endpoint. It holds one
// connection and reconnects lazily after a failure.
type Client struct {
	config *Config

	mu          sync.Mutex
	conn        *ssh.Client
	connectedAt time.Time
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Client{config: config}, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	c, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Address returns the endpoint this client talks to.
func (c *Client) Address() string {
	return c.config.Address()
}

// Connect establishes the connection if it is not already open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connectLocked(ctx)
	return err
}

func (c *Client) connectLocked(ctx context.Context) (*ssh.Client, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	clientConfig, auth, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	defer auth.Close()

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.config.Address())
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.config.Address(), clientConfig)
	if err != nil {
		netConn.Close()
		return nil, &TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: strings.Contains(err.Error(), "unable to authenticate"),
		}
	}

	c.conn = ssh.NewClient(sshConn, chans, reqs)
	c.connectedAt = time.Now()

	log.Debug().
		Str("address", c.config.Address()).
		Str("user", c.config.User).
		Msg("ssh connection established")

	return c.conn, nil
}

// Close closes the connection. Closing a closed client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsConnected reports whether a connection is currently held.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ConnectedAt returns when the current connection was opened.
func (c *Client) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// session opens a session, reconnecting once if the held connection is dead.
func (c *Client) session(ctx context.Context) (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connectLocked(ctx)
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err == nil {
		return session, nil
	}

	log.Debug().Err(err).Str("address", c.config.Address()).Msg("ssh session failed, reconnecting")
	conn.Close()
	c.conn = nil

	conn, err = c.connectLocked(ctx)
	if err != nil {
		return nil, err
	}
	session, err = conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	return session, nil
}

// Run executes cmd and returns its stdout and stderr. A non-zero exit status
// is returned as a permanent TransportError; connection and timeout failures
// are temporary.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := c.session(ctx)
	if err != nil {
		return "", "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", "", &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
	}

	log.Debug().
		Str("address", c.config.Address()).
		Str("command", cmd).
		Dur("duration", time.Since(start)).
		Msg("ssh command finished")

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), &TransportError{
				Op:  "exec",
				Err: fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), strings.TrimSpace(stderr.String())),
			}
		}
		return stdout.String(), stderr.String(), &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}

	return stdout.String(), stderr.String(), nil
}

// Ping checks the endpoint by running a no-op command.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.Run(ctx, "true")
	return err
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed: connect, session, exec, upload, remove.
	Op string

	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a temporary transport failure.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
