package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var ErrCommandTimeout = errors.New("command timed out")

type Target struct {
	Host string
	Port int
}

// Credentials authenticate against every box. PrivateKey takes precedence
// over Password when both are set. Host keys are checked against
// KnownHostsPath when it is set.
type Credentials struct {
	User           string
	Password       string
	PrivateKey     []byte
	KnownHostsPath string
}

type Client struct {
	target         Target
	client         *ssh.Client
	commandTimeout time.Duration
}

type ExecOptions struct {
	Stdin io.Reader
}

// Result carries the captured output. A command that ran and exited non-zero
// is reported through ExitCode with a nil error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func clientConfig(creds Credentials, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(creds.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(creds.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		auth = append(auth, ssh.Password(creds.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh credentials: private key or password is required")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if creds.KnownHostsPath != "" {
		cb, err := knownhosts.New(creds.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func Dial(ctx context.Context, target Target, creds Credentials, timeout, commandTimeout time.Duration) (*Client, error) {
	conf, err := clientConfig(creds, timeout)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(target.Host, fmt.Sprint(target.Port))
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, conf)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}

	return &Client{
		target:         target,
		client:         ssh.NewClient(c, chans, reqs),
		commandTimeout: commandTimeout,
	}, nil
}

func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Exec runs command through a login bash. The command is killed when ctx
// ends or the command timeout elapses, whichever comes first.
func (c *Client) Exec(ctx context.Context, command string, opts ExecOptions) (Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if opts.Stdin != nil {
		session.Stdin = opts.Stdin
	}

	if err := session.Start("bash -lc " + shellQuote(command)); err != nil {
		return Result{}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var timeout <-chan time.Time
	if c.commandTimeout > 0 {
		timer := time.NewTimer(c.commandTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	collect := func() Result {
		return Result{Stdout: strings.TrimSpace(stdout.String()), Stderr: strings.TrimSpace(stderr.String())}
	}

	select {
	case err := <-done:
		res := collect()
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("command failed: %w", err)
	case <-timeout:
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return collect(), ErrCommandTimeout
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return collect(), ctx.Err()
	}
}

func shellQuote(v string) string {
	if v == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(v, "'", "'\"'\"'") + "'"
}
