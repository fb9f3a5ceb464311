package store

import (
	"context"
	"sort"
	"sync"

	"github.com/sgerhart/trapline/internal/model"
)

// Memory is the in-process Store used by tests and store.url: memory://
// deployments. Semantics mirror the Postgres backend.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	actions  map[string][]*model.ActionRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*model.Session),
		actions:  make(map[string][]*model.ActionRecord),
	}
}

// PutSessionOpen writes the open record.
func (m *Memory) PutSessionOpen(ctx context.Context, s *model.Session) error {
	cp := *s
	m.mu.Lock()
	m.sessions[s.ID] = &cp
	m.mu.Unlock()
	return nil
}

// AppendActions appends a batch of action records.
func (m *Memory) AppendActions(ctx context.Context, actions []*model.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range actions {
		cp := *a
		m.actions[a.SessionID] = append(m.actions[a.SessionID], &cp)
	}
	return nil
}

// SealSession sets end time and aggregates; a second seal is a no-op.
func (m *Memory) SealSession(ctx context.Context, id string, seal Seal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.EndTime != nil {
		return nil
	}
	end := seal.EndTime
	s.EndTime = &end
	s.BytesIn = seal.BytesIn
	s.BytesOut = seal.BytesOut
	s.ActionCount = seal.ActionCount
	s.FinalSuspicion = seal.FinalSuspicion
	s.Detected = seal.Detected
	s.Reason = seal.Reason
	return nil
}

// AnnotateAction fills the MITRE triple on a stored action.
func (m *Memory) AnnotateAction(ctx context.Context, sessionID string, step int, ann *model.Annotation) error {
	if ann == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions[sessionID] {
		if a.Step == step {
			cp := *ann
			a.Annotation = &cp
			return nil
		}
	}
	return nil
}

// GetSession loads one session by id.
func (m *Memory) GetSession(ctx context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSessions returns the most recent sessions.
func (m *Memory) ListSessions(ctx context.Context, limit int) ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListActions returns a session's actions in step order.
func (m *Memory) ListActions(ctx context.Context, sessionID string) ([]*model.ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.actions[sessionID]
	out := make([]*model.ActionRecord, 0, len(src))
	for _, a := range src {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// Recover seals sessions left open, backdating to the last action.
func (m *Memory) Recover(ctx context.Context) ([]*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sealed []*model.Session
	for id, s := range m.sessions {
		if s.EndTime != nil {
			continue
		}
		end := s.StartTime
		actions := m.actions[id]
		if len(actions) > 0 {
			end = actions[len(actions)-1].Timestamp
		}
		s.EndTime = &end
		s.ActionCount = len(actions)
		s.Reason = model.CloseServerCrash
		cp := *s
		sealed = append(sealed, &cp)
	}
	return sealed, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
