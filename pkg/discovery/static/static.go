// Package static holds the fixed seed list a devgrid member joins through
// when no DNS names are configured.
package static

import (
	"net"
	"strings"

	"github.com/amirimatin/grid-sidecar/pkg/discovery"
)

// List is a fixed list of membership addresses.
type List []string

// Seeds returns a copy of the list.
func (l List) Seeds() []string { return append([]string(nil), l...) }

// New returns a List of the given addresses, trimmed, with blanks and
// repeats removed. "host" and "host:port" spellings of the same address are
// kept apart; memberlist fills in its own port for the former.
func New(addrs ...string) discovery.Discovery {
	seen := make(map[string]struct{}, len(addrs))
	l := make(List, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		l = append(l, a)
	}
	return l
}

// Without returns d's seeds minus self, so a member listed in its own
// --join value does not dial itself. Both host:port forms are compared.
func Without(d discovery.Discovery, self string) List {
	var out List
	for _, s := range d.Seeds() {
		if sameAddr(s, self) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func sameAddr(a, b string) bool {
	if a == b {
		return true
	}
	ah, ap, aerr := net.SplitHostPort(a)
	bh, bp, berr := net.SplitHostPort(b)
	if aerr != nil || berr != nil || ap != bp {
		return false
	}
	return ah == bh || (isLoopback(ah) && isLoopback(bh))
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
