package ssh

import (
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewHostKeyCallbackInsecure(t *testing.T) {
	t.Parallel()

	cb, err := NewHostKeyCallback("")
	if err != nil {
		t.Fatalf("NewHostKeyCallback: %v", err)
	}

	key := mustGenerateKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
	if err := cb("example.com:22", addr, key.PublicKey()); err != nil {
		t.Fatalf("expected insecure callback to accept any key: %v", err)
	}
}

func TestNewHostKeyCallbackCreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "subdir", "known_hosts")
	if _, err := NewHostKeyCallback(path); err != nil {
		t.Fatalf("NewHostKeyCallback: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected file mode 0600, got %o", info.Mode().Perm())
	}
}

func TestNewHostKeyCallbackTOFU(t *testing.T) {
	t.Parallel()

	first := mustGenerateKey(t)
	other := mustGenerateKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}

	tests := []struct {
		name    string
		reload  bool
		second  bool
		wantErr string
	}{
		{name: "same key accepted in process"},
		{name: "different key rejected in process", second: true, wantErr: "mismatch"},
		{name: "same key accepted after reload", reload: true},
		{name: "different key rejected after reload", reload: true, second: true, wantErr: "mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "known_hosts")
			cb, err := NewHostKeyCallback(path)
			if err != nil {
				t.Fatalf("NewHostKeyCallback: %v", err)
			}
			if err := cb("192.0.2.1:22", addr, first.PublicKey()); err != nil {
				t.Fatalf("TOFU should accept unknown host: %v", err)
			}

			data, err := os.ReadFile(path) //nolint:gosec // Test path from t.TempDir().
			if err != nil {
				t.Fatalf("reading known_hosts: %v", err)
			}
			if !strings.Contains(string(data), "192.0.2.1") {
				t.Fatalf("expected file to contain host, got: %s", data)
			}

			if tt.reload {
				if cb, err = NewHostKeyCallback(path); err != nil {
					t.Fatalf("NewHostKeyCallback (reload): %v", err)
				}
			}

			key := first
			if tt.second {
				key = other
			}
			err = cb("192.0.2.1:22", addr, key.PublicKey())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected known host to be accepted: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewHostKeyCallbackExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "known_hosts")
	key := mustGenerateKey(t)
	line := "192.0.2.1 " + key.PublicKey().Type() + " " + base64.StdEncoding.EncodeToString(key.PublicKey().Marshal()) + "\n"
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatalf("writing known_hosts: %v", err)
	}

	cb, err := NewHostKeyCallback(path)
	if err != nil {
		t.Fatalf("NewHostKeyCallback: %v", err)
	}

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
	if err := cb("192.0.2.1:22", addr, key.PublicKey()); err != nil {
		t.Fatalf("expected existing entry to be accepted: %v", err)
	}
}
