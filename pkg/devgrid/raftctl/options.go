package raftctl

import (
	"log"
	"time"
)

// Options configure the raft node.
type Options struct {
	NodeID string
	Logger *log.Logger

	// Bootstrap forms a single-node cluster on Start when true.
	Bootstrap bool

	// Timeouts (optional). Zero means defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	ApplyTimeout     time.Duration

	// BindAddr selects a TCP transport (e.g. "127.0.0.1:0"); empty means an
	// in-memory transport.
	BindAddr string

	// DataDir selects a bolt log/stable store and file snapshots; empty
	// means in-memory stores.
	DataDir           string
	SnapshotsRetained int
}
