package build

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/snajpa/rllm/internal/errors"
)

// SSHOptions locate and authenticate the build host.
type SSHOptions struct {
	Host string
	Port int
	User string
	// KeyFile is a private key; when empty the SSH agent is used.
	KeyFile string
	// KnownHosts defaults to ~/.ssh/known_hosts.
	KnownHosts  string
	DialTimeout time.Duration
}

func (o SSHOptions) addr() string {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

// SSH runs commands on a remote build host, one session per command.
type SSH struct {
	client *ssh.Client
	host   string
}

// DialSSH connects to the build host. The host key must be listed in the
// known hosts file.
func DialSSH(ctx context.Context, opts SSHOptions) (*SSH, error) {
	cfg, err := clientConfig(opts)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", opts.addr())
	if err != nil {
		return nil, errors.NewBuildError("cannot reach build host", err).WithHost(opts.Host)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, opts.addr(), cfg)
	if err != nil {
		_ = conn.Close()
		return nil, errors.NewBuildError("ssh handshake failed", err).WithHost(opts.Host)
	}
	return &SSH{client: ssh.NewClient(c, chans, reqs), host: opts.Host}, nil
}

func clientConfig(opts SSHOptions) (*ssh.ClientConfig, error) {
	knownHostsPath := opts.KnownHosts
	if knownHostsPath == "" {
		knownHostsPath = "~/.ssh/known_hosts"
	}
	hostKeys, err := knownhosts.New(expandHome(knownHostsPath))
	if err != nil {
		return nil, errors.NewBuildError("cannot read known hosts", err).WithHost(opts.Host)
	}

	auth, err := authMethods(opts.KeyFile)
	if err != nil {
		return nil, errors.NewBuildError("no usable ssh credentials", err).WithHost(opts.Host)
	}

	user := opts.User
	if user == "" {
		user = os.Getenv("USER")
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         opts.DialTimeout,
	}, nil
}

func authMethods(keyFile string) ([]ssh.AuthMethod, error) {
	if keyFile != "" {
		pem, err := os.ReadFile(expandHome(keyFile))
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("no key file configured and SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
}

// Host implements Executor.
func (s *SSH) Host() string {
	return s.host
}

// Run implements Executor. The command gets a pseudo-terminal so remote
// output is line buffered and merged the way it would be interactively.
func (s *SSH) Run(ctx context.Context, command string, out io.Writer) (int, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return -1, err
	}
	defer func() { _ = session.Close() }()

	modes := ssh.TerminalModes{ssh.ECHO: 0}
	if err := session.RequestPty("dumb", int(termSize.Rows), int(termSize.Cols), modes); err != nil {
		return -1, err
	}
	session.Stdout = out
	session.Stderr = out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGINT)
		_ = session.Close()
		<-done
		return -1, ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		// ExitMissingError and transport failures.
		return -1, err
	}
	return 0, nil
}

// Close implements Executor.
func (s *SSH) Close() error {
	return s.client.Close()
}
