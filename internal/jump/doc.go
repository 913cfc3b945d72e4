// Package jump connects to SSH targets through chains of intermediate hosts
// and caches the paths that reached each target.
package jump
