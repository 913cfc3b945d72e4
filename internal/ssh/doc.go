// Package ssh wraps golang.org/x/crypto/ssh with the pieces tether needs to
// treat an SSH transport as a managed resource.
//
// It covers:
//   - Client handshakes over an arbitrary net.Conn ([NewClient]), so a
//     transport can be layered over a TCP socket or over a forwarded stream
//     from a previous hop
//   - Authentication with password, private key files, the SSH agent, and
//     keyboard-interactive one-time codes
//   - Host key verification against known_hosts with trust-on-first-use
//   - Command execution and latency probes ([Run], [Probe])
//   - An in-process [Server] speaking direct-tcpip, tcpip-forward and exec,
//     used to exercise the managers without a real sshd
//
// Example usage:
//
//	var keys ssh.Keyring
//	signers, _ := keys.Signers(ssh.AgentAuthType)
//	hostKeyCallback, _ := ssh.NewHostKeyCallback("~/.ssh/known_hosts")
//
//	conn, _ := net.Dial("tcp", "bastion.example.com:22")
//	client, err := ssh.NewClient(ctx, conn, ssh.ClientConfig{
//	    Username:        "user",
//	    Signers:         signers,
//	    HostKeyCallback: hostKeyCallback,
//	}, "bastion.example.com:22")
//
//	latency, err := ssh.Probe(ctx, client)
package ssh
