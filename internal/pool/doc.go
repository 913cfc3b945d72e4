// Package pool manages authenticated SSH connections as pooled resources.
//
// A [Manager] enforces the host whitelist, deduplicates connections by
// "username@host:port", prunes idle entries and periodically probes every
// connection with a no-op exec session. Streams opened through a pooled
// connection count their bytes against it.
package pool
