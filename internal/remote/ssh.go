package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/rsclarke/vpnstate/internal/models"
)

// SSHConfig holds fleet-wide SSH defaults. Server rows may override the
// user and port.
type SSHConfig struct {
	User           string
	Port           int
	PrivateKeyPath string
	Password       string
	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string
	Timeout        time.Duration
}

// SSHExecutor runs commands over SSH, keeping one client per host:port.
type SSHExecutor struct {
	cfg    SSHConfig
	auth   []ssh.AuthMethod
	hostCB ssh.HostKeyCallback
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHExecutor validates cfg and loads key material.
func NewSSHExecutor(cfg SSHConfig, logger *zap.Logger) (*SSHExecutor, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostCB, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SSHExecutor{
		cfg:     cfg,
		auth:    auth,
		hostCB:  hostCB,
		logger:  logger,
		clients: make(map[string]*ssh.Client),
	}, nil
}

func authMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh authentication method configured")
	}
	return methods, nil
}

func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func (e *SSHExecutor) target(server *models.Server) (addr, user string) {
	port := e.cfg.Port
	if server.SSHPort > 0 {
		port = server.SSHPort
	}
	user = e.cfg.User
	if server.SSHUser != "" {
		user = server.SSHUser
	}
	return net.JoinHostPort(server.Address, strconv.Itoa(port)), user
}

// Execute implements Executor. A cached client that fails to open a session
// is discarded and the command is retried once on a fresh connection.
func (e *SSHExecutor) Execute(ctx context.Context, server *models.Server, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}

	addr, user := e.target(server)
	client, err := e.client(ctx, addr, user)
	if err != nil {
		return Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		e.drop(addr, client)
		client, err = e.client(ctx, addr, user)
		if err != nil {
			return Result{}, err
		}
		session, err = client.NewSession()
		if err != nil {
			e.drop(addr, client)
			return Result{}, fmt.Errorf("open ssh session to %s: %w", addr, err)
		}
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(Quote(argv)); err != nil {
		return Result{}, fmt.Errorf("start %s on %s: %w", argv[0], addr, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return Result{}, fmt.Errorf("%s on %s: %w", argv[0], addr, ctx.Err())
	case err = <-done:
	}

	res := Result{Output: splitOutput(stdout.String()), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitStatus = exitErr.ExitStatus()
			e.logger.Debug("remote command failed",
				zap.String("addr", addr),
				zap.String("cmd", argv[0]),
				zap.Int("exit_code", res.ExitStatus))
			return res, exitError(argv, res.ExitStatus)
		}
		e.drop(addr, client)
		return res, fmt.Errorf("%s on %s: %w", argv[0], addr, err)
	}
	return res, nil
}

func (e *SSHExecutor) client(ctx context.Context, addr, user string) (*ssh.Client, error) {
	key := user + "@" + addr

	e.mu.Lock()
	if c, ok := e.clients[key]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            e.auth,
		HostKeyCallback: e.hostCB,
		Timeout:         e.cfg.Timeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.clients[key]; ok {
		_ = client.Close()
		return existing, nil
	}
	e.clients[key] = client
	e.logger.Debug("ssh connection established", zap.String("addr", addr), zap.String("user", user))
	return client, nil
}

func (e *SSHExecutor) drop(addr string, client *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, c := range e.clients {
		if c == client {
			delete(e.clients, key)
		}
	}
	_ = client.Close()
	e.logger.Debug("ssh connection dropped", zap.String("addr", addr))
}

// Close closes every cached connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	for key, c := range e.clients {
		err = multierr.Append(err, c.Close())
		delete(e.clients, key)
	}
	return err
}
