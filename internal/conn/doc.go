// Package conn holds the socket plumbing shared by tunnels and the connection
// pool: listeners with keepalive and bind options, byte-counting connection
// wrappers, and bidirectional splicing.
package conn
