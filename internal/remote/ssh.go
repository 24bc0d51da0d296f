package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/skeema/knownhosts"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"
)

// SSHOptions configures an SSH connection.
type SSHOptions struct {
	Host string
	Port int
	User string

	// KeyFile is a private key. When empty the SSH agent is used.
	KeyFile        string
	PassphraseFile string

	// KnownHostsFile defaults to ~/.ssh/known_hosts.
	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	ConnectTimeout time.Duration
}

// Address returns host:port.
func (o SSHOptions) Address() string {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

// SSHChannel runs commands over a single SSH connection, one session per
// command.
type SSHChannel struct {
	client *ssh.Client
	agent  io.Closer
	logger *slog.Logger
}

// DialSSH connects and authenticates to the host described by opts.
func DialSSH(ctx context.Context, opts SSHOptions, logger *slog.Logger) (*SSHChannel, error) {
	auth, agentConn, err := authMethods(opts)
	if err != nil {
		return nil, err
	}
	closeAgent := func() {
		if agentConn != nil {
			_ = agentConn.Close()
		}
	}

	addr := opts.Address()
	cfg := &ssh.ClientConfig{
		User:    opts.User,
		Auth:    auth,
		Timeout: opts.ConnectTimeout,
	}
	if opts.InsecureIgnoreHostKey {
		logger.Warn("host key verification disabled", "host", opts.Host)
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		db, err := knownhosts.NewDB(knownHostsPath(opts.KnownHostsFile))
		if err != nil {
			closeAgent()
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		cfg.HostKeyCallback = db.HostKeyCallback()
		cfg.HostKeyAlgorithms = db.HostKeyAlgorithms(addr)
	}

	dialCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		closeAgent()
		if knownhosts.IsHostKeyChanged(err) {
			return nil, fmt.Errorf("host key for %s does not match known_hosts: %w", addr, err)
		}
		if knownhosts.IsHostUnknown(err) {
			return nil, fmt.Errorf("host %s is not in known_hosts: %w", addr, err)
		}
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}

	logger.Debug("ssh connection established", "host", addr, "user", opts.User)
	return &SSHChannel{client: ssh.NewClient(c, chans, reqs), agent: agentConn, logger: logger}, nil
}

func (c *SSHChannel) Run(ctx context.Context, command string, stdin io.Reader) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", summarize(command), err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return stdout.Bytes(), ctx.Err()
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &CommandError{
				Command:  command,
				ExitCode: exitErr.ExitStatus(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return stdout.Bytes(), fmt.Errorf("ssh command %q failed: %w", summarize(command), err)
	}
	return stdout.Bytes(), nil
}

func (c *SSHChannel) Close() error {
	err := c.client.Close()
	if c.agent != nil {
		_ = c.agent.Close()
	}
	return err
}

// authMethods prefers an explicit key file and falls back to the SSH agent.
// The returned closer, if any, is the agent connection.
func authMethods(opts SSHOptions) ([]ssh.AuthMethod, io.Closer, error) {
	if opts.KeyFile != "" {
		signer, err := loadKey(opts.KeyFile, opts.PassphraseFile)
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil, nil
	}

	if !sshagent.Available() {
		return nil, nil, fmt.Errorf("no ssh key file configured and no ssh agent available")
	}
	ag, conn, err := sshagent.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, conn, nil
}

func loadKey(keyFile, passphraseFile string) (ssh.Signer, error) {
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}

	if passphraseFile == "" {
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				return nil, fmt.Errorf("ssh key %s is encrypted but no passphrase file is configured", keyFile)
			}
			return nil, fmt.Errorf("failed to parse ssh key: %w", err)
		}
		return signer, nil
	}

	passphrase, err := os.ReadFile(passphraseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key passphrase: %w", err)
	}
	signer, err := ssh.ParsePrivateKeyWithPassphrase(pem, bytes.TrimRight(passphrase, "\r\n"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}
	return signer, nil
}

func knownHostsPath(configured string) string {
	if configured != "" {
		return configured
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ssh", "known_hosts")
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
