package mission

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hades/internal/broker"
)

// Entry is one accepted mission.
type Entry struct {
	ID          uuid.UUID              `json:"id"`
	Name        string                 `json:"name"`
	Payload     json.RawMessage        `json:"payload"`
	Binding     *broker.RoutingBinding `json:"binding,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`

	seq uint64
}

// Registry holds the missions accepted by one server instance for the life
// of the process. Entries are never evicted.
type Registry struct {
	mu       sync.RWMutex
	missions map[uuid.UUID]*Entry
	sessions map[uuid.UUID][]string
	newID    func() uuid.UUID
	now      func() time.Time
	seq      uint64
}

func NewRegistry() *Registry {
	return &Registry{
		missions: map[uuid.UUID]*Entry{},
		sessions: map[uuid.UUID][]string{},
		newID:    uuid.New,
		now:      time.Now,
	}
}

// Allocate validates payload, assigns a fresh id, injects it into the
// payload and stores the result.
func (r *Registry) Allocate(payload []byte) (Entry, error) {
	m, err := Parse(payload)
	if err != nil {
		return Entry{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.newID()
	for {
		if _, taken := r.missions[id]; !taken && id != uuid.Nil {
			break
		}
		id = r.newID()
	}
	withID, err := InjectID(payload, id)
	if err != nil {
		return Entry{}, err
	}
	r.seq++
	e := &Entry{ID: id, Name: m.Name, Payload: withID, SubmittedAt: r.now().UTC(), seq: r.seq}
	r.missions[id] = e
	return *e, nil
}

// SetBinding records the request binding declared for a mission.
func (r *Registry) SetBinding(id uuid.UUID, b broker.RoutingBinding) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.missions[id]
	if !ok {
		return false
	}
	e.Binding = &b
	return true
}

// Discard forgets a mission whose dispatch failed.
func (r *Registry) Discard(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.missions, id)
	delete(r.sessions, id)
}

func (r *Registry) Get(id uuid.UUID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.missions[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns every accepted payload keyed by mission id.
func (r *Registry) List() map[string]json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(r.missions))
	for id, e := range r.missions {
		out[id.String()] = e.Payload
	}
	return out
}

// Entries returns every entry in submission order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.missions))
	for _, e := range r.missions {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Register associates an observer session with a mission.
func (r *Registry) Register(id uuid.UUID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions[id] {
		if s == sessionID {
			return
		}
	}
	r.sessions[id] = append(r.sessions[id], sessionID)
}

// Unregister removes an observer session.
func (r *Registry) Unregister(id uuid.UUID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.sessions[id]
	for i, s := range sessions {
		if s == sessionID {
			r.sessions[id] = append(sessions[:i:i], sessions[i+1:]...)
			break
		}
	}
	if len(r.sessions[id]) == 0 {
		delete(r.sessions, id)
	}
}

// Lookup returns the sessions observing a mission.
func (r *Registry) Lookup(id uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.sessions[id]...)
}
