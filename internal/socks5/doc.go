// Package socks5 implements the server side of the SOCKS5 CONNECT handshake
// served by dynamic tunnels, plus a minimal client used by the SOCKS5
// upstream dialer and tests.
//
// The server handshake is an explicit state machine ([Handshake]) driven over
// any io.Reader/io.Writer pair, so it can be exercised without sockets. Only
// the "no authentication" method, the CONNECT command and IPv4 or domain
// destinations are accepted. Every reply uses a zero IPv4 bind address:
//
//	success: 05 00 00 01 00 00 00 00 00 00
//	failure: 05 01 00 01 00 00 00 00 00 00
//
// Wire types come from github.com/txthinking/socks5.
package socks5
