// Package membership is the gossip layer of the reference grid node: peer
// discovery, join/leave and per-node metadata.
package membership

import (
	"context"
	"strconv"
	"time"
)

// Metadata keys gossiped with every node.
const (
	MetaNodeNumber = "nodeId"
	MetaIdentity   = "identity"
	MetaMgmtAddr   = "mgmt"
	MetaRaftAddr   = "raft"
	MetaStorage    = "storage"
)

// MemberInfo describes a cluster member as observed by the membership layer.
type MemberInfo struct {
	ID   string
	Addr string
	Meta map[string]string
}

// NodeNumber returns the grid node number carried in Meta, 0 when absent.
func (m MemberInfo) NodeNumber() int {
	n, err := strconv.Atoi(m.Meta[MetaNodeNumber])
	if err != nil {
		return 0
	}
	return n
}

// Identity returns the deployment identity carried in Meta.
func (m MemberInfo) Identity() string { return m.Meta[MetaIdentity] }

// StorageEnabled reports whether the member hosts partitions. Members that
// do not say are storage enabled.
func (m MemberInfo) StorageEnabled() bool {
	v, ok := m.Meta[MetaStorage]
	if !ok {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err != nil || b
}

type EventType string

const (
	EventJoin   EventType = "join"
	EventLeave  EventType = "leave"
	EventUpdate EventType = "update"
)

// Event is the translated membership change notification.
type Event struct {
	Type   EventType
	Member MemberInfo
	At     time.Time
}

// Membership is the abstraction over the underlying gossip/failure-detection
// layer.
type Membership interface {
	Start(ctx context.Context) error
	Join(seeds []string) error
	Local() MemberInfo
	Members() []MemberInfo
	Events() <-chan Event
	Leave() error
	Stop() error
}
