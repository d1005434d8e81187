// Package identity maps cluster members to the deployment they belong to.
// Every sidecar publishes a small identity entity for its own member; the
// registry reads them all back when a suspend decision needs to know which
// deployments own a service.
package identity

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/management/local"
)

// Map maps member node ids to deployment identities.
type Map map[int]string

// Lookup returns the identity of nodeID, "" when the member registered
// none.
func (m Map) Lookup(nodeID int) string { return m[nodeID] }

// Registry is the Identity Registry. It keeps no state between calls.
type Registry struct {
	q      management.Query
	logger *log.Logger
}

func NewRegistry(q management.Query, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{q: q, logger: logger}
}

// BuildIdentityMap queries every registered identity entity. The result is
// never nil.
func (r *Registry) BuildIdentityMap(ctx context.Context) (Map, error) {
	out := make(Map)
	names, err := r.q.QueryNames(ctx, management.PatternIdentities)
	if err != nil {
		return out, fmt.Errorf("identity: query: %w", err)
	}
	for _, name := range names {
		attrs, err := r.q.Attributes(ctx, name, management.AttrNodeID, management.AttrIdentity)
		if err != nil {
			return out, fmt.Errorf("identity: read %s: %w", name, err)
		}
		id, ok := management.Int(attrs, management.AttrNodeID)
		if !ok {
			id, ok = nodeIDFromName(name)
		}
		if !ok {
			logutil.Warnf(r.logger, "identity entity %s has no node id", name)
			continue
		}
		out[id] = management.String(attrs, management.AttrIdentity)
	}
	logutil.Debugf(r.logger, "identity map: %v", out)
	return out, nil
}

func nodeIDFromName(name string) (int, bool) {
	n, err := management.ParseName(name)
	if err != nil {
		return 0, false
	}
	v, ok := n.Property("nodeId")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(v)
	return id, err == nil
}

// Registrar accepts entity registrations; *local.Registry implements it.
type Registrar interface {
	Register(name string, e local.Entity) error
	Unregister(name string)
}

// Register publishes the identity entity of member nodeID. The returned
// function removes it again.
func Register(reg Registrar, nodeID int, ident string) (func(), error) {
	name := management.IdentityName(nodeID)
	err := reg.Register(name, local.Entity{
		Attributes: func() map[string]any {
			return map[string]any{
				management.AttrNodeID:   nodeID,
				management.AttrIdentity: ident,
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return func() { reg.Unregister(name) }, nil
}
