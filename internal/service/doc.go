// Package service is the public operations surface. It wraps the
// connection pool, tunnel, jump host and session managers and returns every
// outcome in a uniform Result envelope instead of an error.
package service
