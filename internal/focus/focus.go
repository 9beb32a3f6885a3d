// Package focus implements the process-wide conference registry of §4.7: it
// creates conferences on demand, looks them up by room address, tears them
// down on request or once they notify they have stopped themselves, and
// exposes the aggregate snapshots the admin collaborator reports on. It
// holds no media state of its own.
package focus

import (
	"context"
	"sync"

	"github.com/confocus/focus/internal/conference"
)

// Props are the per-conference creation parameters carried in from a
// focus-admin conferenceRequest (§6).
type Props struct {
	Config         conference.Config
	LoggingLevel   int
	IncludeInStats bool
}

// Factory constructs a new conference for room, wiring onStopped so the
// Manager learns when the conference ends on its own (start/empty/single
// timeout, or a fatal bridge/signaling failure) rather than by explicit
// Destroy.
type Factory func(room string, props Props, onStopped func(reason string)) (*conference.Coordinator, error)

// entry pairs a conference with the creation-time metadata the admin
// snapshot needs but conference.Coordinator has no reason to carry itself.
type entry struct {
	conf           *conference.Coordinator
	includeInStats bool
}

// Manager is the registry described in §4.7.
type Manager struct {
	factory Factory

	mu    sync.Mutex
	rooms map[string]*entry
}

// NewManager returns an empty registry that builds conferences via factory.
func NewManager(factory Factory) *Manager {
	return &Manager{
		factory: factory,
		rooms:   make(map[string]*entry),
	}
}

// GetOrCreate returns the conference for room, creating it with props if it
// does not already exist. created reports which happened; an existing
// conference's props are not updated by a second call.
func (m *Manager) GetOrCreate(room string, props Props) (conf *conference.Coordinator, created bool, err error) {
	m.mu.Lock()
	if e, ok := m.rooms[room]; ok {
		m.mu.Unlock()
		return e.conf, false, nil
	}
	m.mu.Unlock()

	c, err := m.factory(room, props, func(reason string) { m.remove(room) })
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.rooms[room]; ok {
		// Lost a race with a concurrent GetOrCreate(room, ...); discard the
		// conference we just built in favour of the one already registered.
		go c.Stop(context.Background(), "duplicate-create")
		return e.conf, false, nil
	}
	m.rooms[room] = &entry{conf: c, includeInStats: props.IncludeInStats}
	return c, true, nil
}

// Get returns the conference for room, if one exists.
func (m *Manager) Get(room string) (*conference.Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rooms[room]
	if !ok {
		return nil, false
	}
	return e.conf, true
}

// Destroy stops the conference for room, if any, with reason. The registry
// entry is removed via the conference's own onStopped notification, not
// here, so Destroy and a self-initiated stop converge on the same path.
func (m *Manager) Destroy(ctx context.Context, room string, reason string) bool {
	c, ok := m.Get(room)
	if !ok {
		return false
	}
	c.Stop(ctx, reason)
	return true
}

// Iterate calls fn once for every currently registered conference. fn must
// not call back into the Manager.
func (m *Manager) Iterate(fn func(*conference.Coordinator)) {
	m.mu.Lock()
	confs := make([]*conference.Coordinator, 0, len(m.rooms))
	for _, e := range m.rooms {
		confs = append(confs, e.conf)
	}
	m.mu.Unlock()

	for _, c := range confs {
		fn(c)
	}
}

func (m *Manager) remove(room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, room)
}

// Snapshot is the aggregate view of every registered conference, the basis
// for the admin collaborator's getStats/getDebugState.
type Snapshot struct {
	ConferenceCount int
	Conferences     []conference.Stats
}

// Snapshot reports the current aggregate state. Conferences created with
// IncludeInStats=false are counted but omitted from the per-conference list,
// matching the conferenceRequest parameter of the same name in §6.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.rooms))
	for _, e := range m.rooms {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := Snapshot{ConferenceCount: len(entries)}
	for _, e := range entries {
		if !e.includeInStats {
			continue
		}
		out.Conferences = append(out.Conferences, e.conf.Snapshot())
	}
	return out
}
