package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuthType is the key path value that selects the SSH agent.
const AgentAuthType = "agent"

// AgentAvailable reports whether SSH_AUTH_SOCK is set.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// Keyring resolves the signers for public key authentication. The SSH agent
// socket is opened on first use and shared by every connection until it
// fails or the Keyring is closed.
type Keyring struct {
	mu    sync.Mutex
	conn  net.Conn
	agent agent.ExtendedAgent
}

// Signers returns the signers for keyPath: AgentAuthType selects the agent,
// "" selects nothing, and anything else is a private key file.
func (k *Keyring) Signers(keyPath string) ([]ssh.Signer, error) {
	switch keyPath {
	case "":
		return nil, nil
	case AgentAuthType:
		return k.agentSigners()
	default:
		signer, err := LoadPrivateKey(keyPath)
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{signer}, nil
	}
}

func (k *Keyring) agentSigners() ([]ssh.Signer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.agent == nil {
		socket := os.Getenv("SSH_AUTH_SOCK")
		if socket == "" {
			return nil, errors.New("SSH_AUTH_SOCK not set")
		}
		var d net.Dialer
		c, err := d.DialContext(context.Background(), "unix", socket)
		if err != nil {
			return nil, fmt.Errorf("connecting to SSH agent: %w", err)
		}
		k.conn, k.agent = c, agent.NewClient(c)
	}

	signers, err := k.agent.Signers()
	if err != nil {
		k.closeLocked()
		return nil, fmt.Errorf("getting signers from SSH agent: %w", err)
	}
	if len(signers) == 0 {
		return nil, errors.New("no keys available in SSH agent")
	}
	return signers, nil
}

// Close drops the agent connection. The Keyring stays usable and reconnects
// on the next agent lookup.
func (k *Keyring) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closeLocked()
}

func (k *Keyring) closeLocked() error {
	if k.conn == nil {
		return nil
	}
	err := k.conn.Close()
	k.conn, k.agent = nil, nil
	return err
}

// LoadPrivateKey reads and parses an unencrypted OpenSSH or PEM private key.
func LoadPrivateKey(path string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}
	return signer, nil
}

// KeyboardInteractiveCode answers every keyboard-interactive question with
// code. An empty challenge gets no answers; some servers send one before
// deciding whether a second factor is needed.
func KeyboardInteractiveCode(code string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(user, _ string, questions []string, _ []bool) ([]string, error) {
		log.Debugf("ssh: keyboard-interactive challenge for %s (%d questions)", user, len(questions))
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = code
		}
		return answers, nil
	})
}
