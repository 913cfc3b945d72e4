package ssh

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// Server is a small SSH server supporting the subset of the protocol tether
// drives: "direct-tcpip" channels (forward-out), "tcpip-forward" global
// requests (forward-in) and "exec" session requests.
type Server struct {
	config   *ssh.ServerConfig
	listener net.Listener
	dialer   ContextDialer
	exec     ExecHandler

	directTCPIP atomic.Int64
	execs       atomic.Int64

	mu       sync.Mutex
	closed   bool
	conns    map[*ssh.ServerConn]struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// ContextDialer dials outbound connections for direct-tcpip channels.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ExecHandler runs cmd for an "exec" request and returns its stdout and exit
// status.
type ExecHandler func(cmd string) ([]byte, uint32)

// ServerConfig holds configuration for the SSH server.
type ServerConfig struct {
	// HostKeys are the server's private host key(s). At least one is required.
	HostKeys []ssh.Signer

	// PasswordCallback authenticates users by password. At least one auth
	// callback must be set.
	PasswordCallback func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error)

	// PublicKeyCallback authenticates users by public key.
	PublicKeyCallback func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)

	// KeyboardInteractiveCallback authenticates users by challenge/response.
	KeyboardInteractiveCallback func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error)

	// Dialer is used to establish outbound connections for direct-tcpip channels.
	// If nil, a default net.Dialer is used.
	Dialer ContextDialer

	// Exec handles "exec" requests. If nil, [DefaultExec] is used.
	Exec ExecHandler
}

type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

type forwardRequest struct {
	BindAddr string
	BindPort uint32
}

type forwardedTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// NewServer creates a new SSH server listening on the given address.
func NewServer(addr string, cfg ServerConfig) (*Server, error) {
	if cfg.PasswordCallback == nil && cfg.PublicKeyCallback == nil && cfg.KeyboardInteractiveCallback == nil {
		return nil, errors.New("ssh server: at least one auth callback required")
	}

	sshConfig := &ssh.ServerConfig{
		PasswordCallback:            cfg.PasswordCallback,
		PublicKeyCallback:           cfg.PublicKeyCallback,
		KeyboardInteractiveCallback: cfg.KeyboardInteractiveCallback,
	}

	if len(cfg.HostKeys) == 0 {
		return nil, errors.New("ssh server: at least one host key required")
	}
	for _, key := range cfg.HostKeys {
		sshConfig.AddHostKey(key)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh server listen: %w", err)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	exec := cfg.Exec
	if exec == nil {
		exec = DefaultExec
	}

	return &Server{
		config:   sshConfig,
		listener: ln,
		dialer:   dialer,
		exec:     exec,
		conns:    make(map[*ssh.ServerConn]struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// DirectTCPIPCount returns the number of direct-tcpip channels accepted so far.
func (s *Server) DirectTCPIPCount() int64 {
	return s.directTCPIP.Load()
}

// ExecCount returns the number of exec requests served so far.
func (s *Server) ExecCount() int64 {
	return s.execs.Load()
}

// Serve accepts and handles SSH connections until the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return fmt.Errorf("ssh server accept: %w", err)
		}

		s.wg.Go(func() {
			s.handleConn(ctx, conn)
		})
	}
}

// DropConnections closes every established client connection while leaving
// the listener open.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops accepting new connections and waits for existing connections to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	s.mu.Unlock()

	err := s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(ctx, func() {
		_ = sshConn.Close()
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
			cancel()
		}
	}()

	fwd := &remoteForwards{conn: sshConn, listeners: make(map[string]net.Listener)}
	defer fwd.closeAll()
	go fwd.handleRequests(reqs)

	var wg sync.WaitGroup
	for newChan := range chans {
		switch newChan.ChannelType() {
		case "direct-tcpip":
			wg.Go(func() {
				s.handleDirectTCPIP(ctx, newChan)
			})
		case "session":
			wg.Go(func() {
				s.handleSession(newChan)
			})
		default:
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
	wg.Wait()
}

func (s *Server) handleDirectTCPIP(ctx context.Context, newChan ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	addr := net.JoinHostPort(payload.Host, strconv.FormatUint(uint64(payload.Port), 10))
	dst, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}
	s.directTCPIP.Add(1)

	go ssh.DiscardRequests(reqs)
	pipe(ch, dst)
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		s.execs.Add(1)

		out, status := s.exec(payload.Command)
		_, _ = ch.Write(out)
		_ = ch.CloseWrite()
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

// DefaultExec understands "true", "false" and "echo ARGS"; anything else
// exits with status 127.
func DefaultExec(cmd string) ([]byte, uint32) {
	switch {
	case cmd == "true":
		return nil, 0
	case cmd == "false":
		return nil, 1
	case cmd == "echo" || strings.HasPrefix(cmd, "echo "):
		return []byte(strings.TrimPrefix(strings.TrimPrefix(cmd, "echo"), " ") + "\n"), 0
	default:
		return []byte(cmd + ": command not found\n"), 127
	}
}

// remoteForwards tracks the listeners opened for one client's tcpip-forward
// requests.
type remoteForwards struct {
	conn *ssh.ServerConn

	mu        sync.Mutex
	listeners map[string]net.Listener
}

func (f *remoteForwards) handleRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			f.handleForward(req)
		case "cancel-tcpip-forward":
			f.handleCancel(req)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (f *remoteForwards) handleForward(req *ssh.Request) {
	var fr forwardRequest
	if err := ssh.Unmarshal(req.Payload, &fr); err != nil {
		_ = req.Reply(false, nil)
		return
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(fr.BindAddr, strconv.FormatUint(uint64(fr.BindPort), 10)))
	if err != nil {
		_ = req.Reply(false, nil)
		return
	}

	port := uint32(ln.Addr().(*net.TCPAddr).Port) //nolint:gosec // Port numbers fit in uint32.
	f.mu.Lock()
	f.listeners[forwardKey(fr.BindAddr, port)] = ln
	f.mu.Unlock()

	var reply []byte
	if fr.BindPort == 0 {
		reply = ssh.Marshal(struct{ Port uint32 }{port})
	}
	_ = req.Reply(true, reply)

	go f.acceptLoop(ln, fr.BindAddr, port)
}

func (f *remoteForwards) handleCancel(req *ssh.Request) {
	var fr forwardRequest
	if err := ssh.Unmarshal(req.Payload, &fr); err != nil {
		_ = req.Reply(false, nil)
		return
	}

	key := forwardKey(fr.BindAddr, fr.BindPort)
	f.mu.Lock()
	ln, ok := f.listeners[key]
	delete(f.listeners, key)
	f.mu.Unlock()

	if ok {
		_ = ln.Close()
	}
	_ = req.Reply(ok, nil)
}

func (f *remoteForwards) acceptLoop(ln net.Listener, bindAddr string, bindPort uint32) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}

		go func() {
			origin, _ := c.RemoteAddr().(*net.TCPAddr)
			payload := forwardedTCPIPPayload{Addr: bindAddr, Port: bindPort}
			if origin != nil {
				payload.OriginAddr = origin.IP.String()
				payload.OriginPort = uint32(origin.Port) //nolint:gosec // Port numbers fit in uint32.
			}

			ch, reqs, err := f.conn.OpenChannel("forwarded-tcpip", ssh.Marshal(payload))
			if err != nil {
				_ = c.Close()
				return
			}
			go ssh.DiscardRequests(reqs)
			pipe(ch, c)
		}()
	}
}

func (f *remoteForwards) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, ln := range f.listeners {
		_ = ln.Close()
		delete(f.listeners, key)
	}
}

func forwardKey(addr string, port uint32) string {
	return net.JoinHostPort(addr, strconv.FormatUint(uint64(port), 10))
}

// pipe copies in both directions until either side finishes, then closes
// both.
func pipe(ch ssh.Channel, c net.Conn) {
	defer ch.Close()
	defer c.Close()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(c, ch)
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(ch, c)
		_ = ch.CloseWrite()
		return err
	})
	_ = g.Wait()
}

// GenerateHostKey generates a random RSA host key.
func GenerateHostKey() (ssh.Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}

// SimplePasswordAuth returns a PasswordCallback that authenticates against
// a single username/password pair.
func SimplePasswordAuth(username, password string) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
		if conn.User() != username || string(pass) != password {
			return nil, errors.New("invalid credentials")
		}
		return &ssh.Permissions{}, nil
	}
}

// OneTimeCodeAuth returns a KeyboardInteractiveCallback that asks a single
// verification-code question and accepts only code for username.
func OneTimeCodeAuth(username, code string) func(ssh.ConnMetadata, ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
		answers, err := challenge(conn.User(), "", []string{"Verification code: "}, []bool{false})
		if err != nil {
			return nil, err
		}
		if conn.User() != username || len(answers) != 1 || answers[0] != code {
			return nil, errors.New("invalid verification code")
		}
		return &ssh.Permissions{}, nil
	}
}
