// Package dialer provides the outbound dialers used to reach first-hop SSH
// servers, either directly or through an upstream HTTP CONNECT or SOCKS5
// proxy.
//
// Dialers implement a small interface (DialContext) so the connection pool
// does not care how the TCP stream to an SSH server was obtained.
package dialer
