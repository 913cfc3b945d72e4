package ssh

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// ProbeCommand is the no-op command executed by [Probe].
const ProbeCommand = "true"

// Run executes cmd in a new session on client and returns its stdout.
//
// Canceling ctx closes the session, which unblocks the remote command.
func Run(ctx context.Context, client *ssh.Client, cmd string) ([]byte, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	defer sess.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = sess.Close()
	})
	defer stop()

	out, err := sess.Output(cmd)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, fmt.Errorf("ssh exec %q: %w", cmd, ctxErr)
		}
		return out, fmt.Errorf("ssh exec %q: %w", cmd, err)
	}
	return out, nil
}

// Probe runs [ProbeCommand] and returns the observed round-trip latency.
func Probe(ctx context.Context, client *ssh.Client) (time.Duration, error) {
	start := time.Now()
	if _, err := Run(ctx, client, ProbeCommand); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
