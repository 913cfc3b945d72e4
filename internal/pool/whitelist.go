package pool

import (
	"net/netip"
	"strings"
)

// Whitelist decides which hosts may be connected to. Entries are hostnames
// or IP addresses compared case-insensitively, or CIDR prefixes matched
// against IP literal hosts.
type Whitelist struct {
	hosts    map[string]struct{}
	prefixes []netip.Prefix
}

// NewWhitelist builds a Whitelist from entries. Blank entries are ignored.
func NewWhitelist(entries []string) *Whitelist {
	w := &Whitelist{hosts: make(map[string]struct{})}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			w.prefixes = append(w.prefixes, p.Masked())
			continue
		}
		w.hosts[strings.ToLower(e)] = struct{}{}
	}
	return w
}

// Allowed reports whether host matches an entry.
func (w *Whitelist) Allowed(host string) bool {
	if _, ok := w.hosts[strings.ToLower(host)]; ok {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range w.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
