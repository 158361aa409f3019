package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client proves its identity.
type AuthMethod string

const (
	AuthMethodKey      AuthMethod = "key"
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodAgent uses the keys held by the agent at $SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// defaultKeys are tried in order when key auth has no PrivateKeyPath.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes one endpoint: the hook host of the ssh provisioning
// backend, or a template the health checker fills in per host.
type Config struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	User string `json:"user" yaml:"user"`

	AuthMethod AuthMethod `json:"auth_method" yaml:"auth_method"`
	Password   string     `json:"password,omitempty" yaml:"password,omitempty"`

	// PrivateKeyPath defaults to the first of ~/.ssh/id_ed25519, id_ecdsa
	// and id_rsa that exists. A leading ~ is expanded.
	PrivateKeyPath       string `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
	PrivateKeyPassphrase string `json:"-" yaml:"private_key_passphrase,omitempty"`

	// Host keys are only verified when StrictHostKeyChecking is set and
	// KnownHostsPath names a file.
	KnownHostsPath        string `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool   `json:"strict_host_key_checking" yaml:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`

	// CommandTimeout bounds every Run call that has no earlier deadline.
	CommandTimeout time.Duration `json:"command_timeout" yaml:"command_timeout"`
}

// DefaultConfig returns key auth on port 22 with host key checking against
// ~/.ssh/known_hosts.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        "~/.ssh/known_hosts",
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        2 * time.Minute,
	}
}

// Address returns host:port, bracketing IPv6 literals.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if err := c.validateAuth(); err != nil {
		errs = append(errs, err)
	}
	if c.ConnectionTimeout <= 0 {
		errs = append(errs, errors.New("connection timeout must be positive"))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, errors.New("command timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) validateAuth() error {
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		path, err := c.keyPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("private key file not found: %s", path)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return errors.New("agent authentication needs SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	return nil
}

func (c *Config) keyPath() (string, error) {
	if c.PrivateKeyPath != "" {
		return expandHome(c.PrivateKeyPath), nil
	}
	for _, name := range defaultKeys {
		path := expandHome(filepath.Join("~", ".ssh", name))
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.New("private key path is required for key authentication and no default key found")
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && rest[0] != '/') {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// BuildSSHClientConfig assembles the handshake settings. The returned
// closer releases the agent connection, if any, once the handshake is done.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, io.Closer, error) {
	auth, closer, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		if hostKeys, err = knownhosts.New(expandHome(c.KnownHostsPath)); err != nil {
			closer.Close()
			return nil, nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (c *Config) authMethods() ([]ssh.AuthMethod, io.Closer, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many servers only prompt through keyboard-interactive.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nopCloser{}, nil

	case AuthMethodKey:
		path, err := c.keyPath()
		if err != nil {
			return nil, nil, err
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nopCloser{}, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, conn, nil
	}
	return nil, nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}
