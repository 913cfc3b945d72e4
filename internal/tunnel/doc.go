// Package tunnel forwards TCP traffic through pooled SSH connections.
//
// Local tunnels listen on this host and forward out through the server,
// remote tunnels ask the server to listen and forward back in, and dynamic
// tunnels run a SOCKS5 server whose CONNECT requests are forwarded out.
package tunnel
