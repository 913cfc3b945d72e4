package pool

import (
	"fmt"
	"net"
	"strconv"
)

// AuthMethod selects how a connection authenticates.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
	AuthAgent    AuthMethod = "agent"
)

// DefaultPort is used when Config.Port is zero.
const DefaultPort = 22

// Config describes how to reach and authenticate to one SSH endpoint.
//
// It is persisted as part of session state, so it carries the password for
// password-authenticated endpoints. One-time MFA codes are never stored.
type Config struct {
	Host       string     `json:"host" yaml:"host"`
	Port       int        `json:"port,omitempty" yaml:"port"`
	Username   string     `json:"username" yaml:"username"`
	AuthMethod AuthMethod `json:"auth_method,omitempty" yaml:"auth_method"`
	Password   string     `json:"password,omitempty" yaml:"password"`
	KeyPath    string     `json:"key_path,omitempty" yaml:"key_path"`
}

// WithDefaults returns c with the port defaulted.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	return c
}

// Addr returns host:port.
func (c Config) Addr() string {
	c = c.WithDefaults()
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ConnectionKey returns the dedup key "username@host:port" used to share a
// connection between callers asking for the same endpoint.
func ConnectionKey(c Config) string {
	c = c.WithDefaults()
	return fmt.Sprintf("%s@%s:%d", c.Username, c.Host, c.Port)
}
