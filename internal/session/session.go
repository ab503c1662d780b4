package session

import (
	"context"
	"errors"
	"sync"
)

var ErrNoChannel = errors.New("session: no control channel attached")

// Channel is the outbound half of the control channel.
type Channel interface {
	Send(v any) error
}

// WorkerRecord marks a live worker for one connection id. It carries the
// termination signal and nothing else.
type WorkerRecord struct {
	Protocol     Protocol
	ConnectionID string

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorkerRecord(parent context.Context, p Protocol, id string) *WorkerRecord {
	ctx, cancel := context.WithCancel(parent)
	return &WorkerRecord{Protocol: p, ConnectionID: id, ctx: ctx, cancel: cancel}
}

// Kill sets the termination signal. Safe to call more than once.
func (r *WorkerRecord) Kill() { r.cancel() }

func (r *WorkerRecord) Killed() bool { return r.ctx.Err() != nil }

func (r *WorkerRecord) Done() <-chan struct{} { return r.ctx.Done() }

// Context is cancelled when the record is killed.
func (r *WorkerRecord) Context() context.Context { return r.ctx }

// Session is the single shared root: desired state, worker records and the
// control-channel handle, all behind one lock. No method performs blocking
// I/O while holding it.
type Session struct {
	mu      sync.RWMutex
	state   *State
	channel Channel
	records map[Protocol]map[string]*WorkerRecord
}

func New(state *State) *Session {
	if state == nil {
		state = NewState()
	}
	records := make(map[Protocol]map[string]*WorkerRecord, len(Protocols))
	for _, p := range Protocols {
		records[p] = make(map[string]*WorkerRecord)
	}
	return &Session{state: state, records: records}
}

// Replace swaps the desired state wholesale.
func (s *Session) Replace(state *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) State() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Connection returns a copy of the descriptor, safe to use without the lock.
func (s *Session) Connection(p Protocol, id string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.state.find(p, id)
	if c == nil {
		return nil, false
	}
	return c.Clone(), true
}

// Update applies fn to the live descriptor under the write lock. It reports
// false when the descriptor is no longer part of the desired state.
func (s *Session) Update(p Protocol, id string, fn func(c *Connection)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.state.find(p, id)
	if c == nil {
		return false
	}
	fn(c)
	return true
}

func (s *Session) DesiredIDs(p Protocol) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return desiredIDs(s.state, p)
}

func desiredIDs(st *State, p Protocol) []string {
	conns := st.Connections(p)
	out := make([]string, 0, len(conns))
	seen := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c.ID)
	}
	return out
}

// SetChannel attaches the control channel and returns the one it replaced.
func (s *Session) SetChannel(ch Channel) Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.channel
	s.channel = ch
	return prev
}

// ClearChannel detaches ch if it is still the current channel.
func (s *Session) ClearChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == ch {
		s.channel = nil
	}
}

// Emit writes v to the current control channel. The handle is read under
// the lock; the write itself happens after releasing it.
func (s *Session) Emit(v any) error {
	s.mu.RLock()
	ch := s.channel
	s.mu.RUnlock()
	if ch == nil {
		return ErrNoChannel
	}
	return ch.Send(v)
}

// Plan diffs desired ids for p against the live worker records. Every
// desired id without a record gets a fresh record from newRecord, inserted
// before Plan returns; records whose id is no longer desired are returned in
// kill. Killed records stay registered until their worker calls
// RemoveRecord, so an id is never assigned two workers.
func (s *Session) Plan(p Protocol, newRecord func(id string) *WorkerRecord) (spawn, kill []*WorkerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.records[p]
	desired := desiredIDs(s.state, p)
	want := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
		if _, ok := live[id]; ok {
			continue
		}
		rec := newRecord(id)
		live[id] = rec
		spawn = append(spawn, rec)
	}
	for id, rec := range live {
		if _, ok := want[id]; ok || rec.Killed() {
			continue
		}
		kill = append(kill, rec)
	}
	return spawn, kill
}

func (s *Session) RemoveRecord(rec *WorkerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.records[rec.Protocol]
	if live[rec.ConnectionID] == rec {
		delete(live, rec.ConnectionID)
	}
}

// LiveIDs lists connection ids that currently have a worker record.
func (s *Session) LiveIDs(p Protocol) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records[p]))
	for id := range s.records[p] {
		out = append(out, id)
	}
	return out
}

// Records returns the live records for p, killed ones included.
func (s *Session) Records(p Protocol) []*WorkerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*WorkerRecord, 0, len(s.records[p]))
	for _, rec := range s.records[p] {
		out = append(out, rec)
	}
	return out
}
