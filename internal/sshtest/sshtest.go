// Package sshtest starts in-process SSH servers for tests.
package sshtest

import (
	"context"
	"net"
	"strconv"
	"testing"

	"golang.org/x/crypto/ssh"

	internalssh "github.com/die-net/tether/internal/ssh"
)

const (
	Username = "user"
	Password = "pass"
)

// Options configures a test server. Zero values select password auth for
// Username/Password.
type Options struct {
	Username string
	Password string
	// Code enables keyboard-interactive auth with this one-time code instead
	// of password auth.
	Code string
	Exec internalssh.ExecHandler
}

// Start runs an SSH server on 127.0.0.1 until the test ends.
func Start(t *testing.T, ctx context.Context, opts Options) *internalssh.Server {
	t.Helper()

	if opts.Username == "" {
		opts.Username = Username
	}
	if opts.Password == "" {
		opts.Password = Password
	}

	hostKey, err := internalssh.GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}

	cfg := internalssh.ServerConfig{
		HostKeys: []ssh.Signer{hostKey},
		Exec:     opts.Exec,
	}
	if opts.Code != "" {
		cfg.KeyboardInteractiveCallback = internalssh.OneTimeCodeAuth(opts.Username, opts.Code)
	} else {
		cfg.PasswordCallback = internalssh.SimplePasswordAuth(opts.Username, opts.Password)
	}

	srv, err := internalssh.NewServer("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	go func() {
		_ = srv.Serve(ctx)
	}()

	return srv
}

// HostPort splits a server's address into host and numeric port.
func HostPort(t *testing.T, addr net.Addr) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}
