package health

import (
	"errors"
	"log"
	"strings"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/management"
)

// Options configure an Aggregator.
type Options struct {
	// Cluster supplies the current Cluster Handle; it may return nil while
	// the process has not joined a cluster.
	Cluster grid.Supplier
	// Query reads the grid's management state.
	Query management.Query
	// AllowEndangered names services that may report ENDANGERED without
	// failing the StatusHA check.
	AllowEndangered []string
	// WaitForServices blocks HA checks until every local service has
	// started, when the cluster supports it.
	WaitForServices bool
	Logger          *log.Logger
}

var (
	errNoSupplier = errors.New("health: cluster supplier is required")
	errNoQuery    = errors.New("health: management query adapter is required")
)

// Validate checks required fields.
func (o Options) Validate() error {
	if o.Cluster == nil {
		return errNoSupplier
	}
	if o.Query == nil {
		return errNoQuery
	}
	return nil
}

// AllowList is an immutable set of exact service names.
type AllowList struct {
	names map[string]struct{}
}

// NewAllowList builds an allow-list; blank entries are dropped and names are
// trimmed.
func NewAllowList(names ...string) AllowList {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			m[n] = struct{}{}
		}
	}
	return AllowList{names: m}
}

// Contains reports whether name is allow-listed. Matching is exact.
func (a AllowList) Contains(name string) bool {
	_, ok := a.names[name]
	return ok
}

func (a AllowList) Len() int { return len(a.names) }
