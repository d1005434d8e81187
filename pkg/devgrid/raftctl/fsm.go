package raftctl

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/amirimatin/grid-sidecar/pkg/observability/metrics"
)

const (
	OpSuspend = "Suspend"
	OpResume  = "Resume"
)

// Command is a raft log entry.
type Command struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

type servicePayload struct {
	Service string `json:"service"`
}

func serviceCommand(op, service string) Command {
	b, _ := json.Marshal(servicePayload{Service: service})
	return Command{Op: op, Payload: b}
}

// controlFSM bridges raft Apply/Snapshot to State.
type controlFSM struct {
	st *State
}

func (f *controlFSM) Apply(l *raft.Log) any {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return err
	}
	var p servicePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return err
	}
	var err error
	switch cmd.Op {
	case OpSuspend:
		err = f.st.ApplySuspend(p.Service)
	case OpResume:
		err = f.st.ApplyResume(p.Service)
	default:
		err = fmt.Errorf("raftctl: unknown op %q", cmd.Op)
	}
	if err != nil {
		return err
	}
	metrics.SuspendedServices.Set(float64(len(f.st.Suspended())))
	return nil
}

func (f *controlFSM) Snapshot() (raft.FSMSnapshot, error) {
	blob, err := f.st.Snapshot()
	if err != nil {
		return nil, err
	}
	return &snapshot{blob: blob}, nil
}

func (f *controlFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return f.st.Restore(data)
}

type snapshot struct{ blob []byte }

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.blob); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*controlFSM)(nil)
