// Package session persists connections as recoverable sessions.
//
// A persisted session is a row in the sessions table holding the connection
// configuration and a JSON state snapshot, plus one session_resources row per
// attached tunnel or jump chain. Auto-recover sessions are checked
// periodically and restored with capped exponential backoff when their
// connection is gone.
package session
