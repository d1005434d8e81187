package raftctl

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// State is the replicated service control state: the set of services
// suspended cluster-wide.
type State struct {
	mu        sync.RWMutex
	suspended map[string]bool
}

func NewState() *State { return &State{suspended: make(map[string]bool)} }

func (s *State) ApplySuspend(service string) error {
	if service == "" {
		return fmt.Errorf("raftctl: empty service name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended[service] = true
	return nil
}

func (s *State) ApplyResume(service string) error {
	if service == "" {
		return fmt.Errorf("raftctl: empty service name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.suspended, service)
	return nil
}

func (s *State) IsSuspended(service string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.suspended[service]
}

// Suspended returns the suspended services, sorted.
func (s *State) Suspended() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.suspended))
	for name := range s.suspended {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type snapshotV1 struct {
	Version   int      `json:"version"`
	Suspended []string `json:"suspended"`
}

// Snapshot encodes state as stable JSON.
func (s *State) Snapshot() ([]byte, error) {
	return json.Marshal(snapshotV1{Version: 1, Suspended: s.Suspended()})
}

func (s *State) Restore(buf []byte) error {
	var snap snapshotV1
	if err := json.Unmarshal(buf, &snap); err != nil {
		return err
	}
	if snap.Version != 1 {
		return fmt.Errorf("raftctl: unsupported snapshot version %d", snap.Version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = make(map[string]bool, len(snap.Suspended))
	for _, name := range snap.Suspended {
		if name != "" {
			s.suspended[name] = true
		}
	}
	return nil
}
