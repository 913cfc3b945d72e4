package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// KnownHosts verifies host keys against a known_hosts file and learns keys
// of hosts it has never seen (trust on first use). Keys learned by this
// process are pinned in memory as well, so a second key for the same host is
// rejected without re-reading the file.
type KnownHosts struct {
	path  string
	check ssh.HostKeyCallback

	mu      sync.Mutex
	learned map[string][]byte
}

// OpenKnownHosts loads path, creating it and its directory if needed.
func OpenKnownHosts(path string) (*KnownHosts, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("creating known_hosts file: %w", err)
	}
	_ = f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	return &KnownHosts{path: path, check: check, learned: make(map[string][]byte)}, nil
}

// Callback returns the ssh.HostKeyCallback for client configs.
func (k *KnownHosts) Callback() ssh.HostKeyCallback {
	return k.verify
}

func (k *KnownHosts) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := k.check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
	}

	host := knownhosts.Normalize(hostname)

	k.mu.Lock()
	defer k.mu.Unlock()

	if pinned, ok := k.learned[host]; ok {
		if bytes.Equal(pinned, key.Marshal()) {
			return nil
		}
		return fmt.Errorf("host key mismatch for %s (possible MITM attack): key changed since first use", hostname)
	}

	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(knownhosts.Line([]string{host}, key) + "\n"); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	k.learned[host] = key.Marshal()

	log.WithFields(log.Fields{"host": hostname, "file": k.path}).Info("ssh: added host key")
	return nil
}

// NewHostKeyCallback returns a trust-on-first-use callback backed by the
// known_hosts file at path. An empty path disables host key checking.
func NewHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}
	k, err := OpenKnownHosts(path)
	if err != nil {
		return nil, err
	}
	return k.Callback(), nil
}
