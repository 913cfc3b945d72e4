package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func writeKeyFile(t *testing.T) (string, ed25519.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "test")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, pub
}

func TestKeyringFiles(t *testing.T) {
	t.Parallel()

	var keys Keyring

	signers, err := keys.Signers("")
	if err != nil || signers != nil {
		t.Fatalf("expected no signers for empty path, got %v, %v", signers, err)
	}

	path, pub := writeKeyFile(t)
	signers, err = keys.Signers(path)
	if err != nil {
		t.Fatal(err)
	}
	want, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	if len(signers) != 1 || string(signers[0].PublicKey().Marshal()) != string(want.Marshal()) {
		t.Fatalf("unexpected signers %v", signers)
	}

	if _, err := keys.Signers(filepath.Join(t.TempDir(), "missing")); err == nil || !strings.Contains(err.Error(), "reading key file") {
		t.Fatalf("expected read error, got %v", err)
	}

	garbage := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(garbage, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := keys.Signers(garbage); err == nil || !strings.Contains(err.Error(), "parsing key file") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestKeyringAgent(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ring := agent.NewKeyring()
	if err := ring.Add(agent.AddedKey{PrivateKey: priv}); err != nil {
		t.Fatal(err)
	}

	sock := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan struct{}, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- struct{}{}
			go func() {
				_ = agent.ServeAgent(ring, c)
				_ = c.Close()
			}()
		}
	}()

	t.Setenv("SSH_AUTH_SOCK", sock)

	var keys Keyring
	for range 2 {
		signers, err := keys.Signers(AgentAuthType)
		if err != nil {
			t.Fatal(err)
		}
		if len(signers) != 1 {
			t.Fatalf("expected 1 agent signer, got %d", len(signers))
		}
	}
	if n := len(accepted); n != 1 {
		t.Fatalf("expected the agent socket to be reused, got %d dials", n)
	}

	if err := keys.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := keys.Signers(AgentAuthType); err != nil {
		t.Fatalf("expected reconnect after Close: %v", err)
	}

	t.Setenv("SSH_AUTH_SOCK", "")
	_ = keys.Close()
	if _, err := keys.Signers(AgentAuthType); err == nil || !strings.Contains(err.Error(), "SSH_AUTH_SOCK") {
		t.Fatalf("expected missing agent error, got %v", err)
	}
}
