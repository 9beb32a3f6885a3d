// Package admin is the in-process seam the core exposes to an external
// admin collaborator (§6): getStats, getDebugState, getHealth,
// endConference, and conferenceRequest. It is a thin wrapper over
// internal/focus's registry and internal/bridge's catalog; there is no
// listener here, callers call the methods directly.
package admin

import (
	"context"
	"sync"

	"github.com/confocus/focus/internal/bridge"
	"github.com/confocus/focus/internal/conference"
	"github.com/confocus/focus/internal/focus"
)

// Health codes, per §6.
const (
	HealthCodeOK   = 200
	HealthCodeSoft = 503
	HealthCodeHard = 500
)

// Health is the result of getHealth. Sticky means a HardFailure was
// latched by RecordHardFailure and will not clear itself; recovering
// requires restarting the process, matching how a catastrophic failure
// (one the core cannot reason its way out of) is reported upstream.
type Health struct {
	Success     bool
	Sticky      bool
	HardFailure bool
	Code        int
	Message     string
}

// Stats is the result of getStats.
type Stats struct {
	ConferenceCount int
	Health          Health
}

// ConferenceDebug is one conference's entry in a getDebugState tree.
// Stats is nil unless the caller asked for the full tree.
type ConferenceDebug struct {
	Room  string
	Stats *conference.Stats
}

// DebugState is the result of getDebugState.
type DebugState struct {
	ConferenceCount int
	Conferences     []ConferenceDebug
}

// Admin implements the four admin-facing operations of §6 over a focus
// manager and the bridge catalog it was constructed with.
type Admin struct {
	manager *focus.Manager
	catalog *bridge.Catalog

	mu          sync.Mutex
	hardFailure bool
	hardMessage string
}

// New returns an Admin seam over manager and catalog.
func New(manager *focus.Manager, catalog *bridge.Catalog) *Admin {
	return &Admin{manager: manager, catalog: catalog}
}

// RecordHardFailure latches the health check into its sticky hard-failure
// state with message. Once latched it never clears on its own; the
// process must be restarted. Callers outside this package (e.g. a fatal
// bridge/signaling error observed by cmd/focus) call this to report a
// failure the core cannot recover from by itself.
func (a *Admin) RecordHardFailure(message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hardFailure = true
	a.hardMessage = message
}

// GetStats returns the aggregate counts and health outcome of §6.
func (a *Admin) GetStats() Stats {
	snap := a.manager.Snapshot()
	return Stats{
		ConferenceCount: snap.ConferenceCount,
		Health:          a.GetHealth(),
	}
}

// GetDebugState returns the structured state tree of §6. With roomID
// empty it covers every conference; with roomID set it covers just that
// one (an empty result if it does not exist). full controls whether each
// conference's own Snapshot is included or just its room address.
func (a *Admin) GetDebugState(full bool, roomID string) DebugState {
	if roomID != "" {
		c, ok := a.manager.Get(roomID)
		if !ok {
			return DebugState{}
		}
		cd := ConferenceDebug{Room: roomID}
		if full {
			s := c.Snapshot()
			cd.Stats = &s
		}
		return DebugState{ConferenceCount: 1, Conferences: []ConferenceDebug{cd}}
	}

	snap := a.manager.Snapshot()
	out := DebugState{ConferenceCount: snap.ConferenceCount}
	for _, s := range snap.Conferences {
		cd := ConferenceDebug{Room: s.Room}
		if full {
			stats := s
			cd.Stats = &stats
		}
		out.Conferences = append(out.Conferences, cd)
	}
	return out
}

// GetHealth reports the health outcome of §6: a latched hard failure
// takes precedence over everything else; absent that, no operational
// bridge in the catalog is a soft/transient failure; otherwise healthy.
func (a *Admin) GetHealth() Health {
	a.mu.Lock()
	hardFailure, hardMessage := a.hardFailure, a.hardMessage
	a.mu.Unlock()

	if hardFailure {
		return Health{Success: false, Sticky: true, HardFailure: true, Code: HealthCodeHard, Message: hardMessage}
	}

	if a.catalog != nil {
		operational := false
		for _, b := range a.catalog.Snapshot() {
			if b.Operational {
				operational = true
				break
			}
		}
		if !operational {
			return Health{Success: false, Code: HealthCodeSoft, Message: "no operational bridges"}
		}
	}

	return Health{Success: true, Code: HealthCodeOK}
}

// EndConference tears down the conference for room with reason, per §6.
// It reports whether a conference existed to tear down.
func (a *Admin) EndConference(ctx context.Context, room, reason string) bool {
	return a.manager.Destroy(ctx, room, reason)
}

// ConferenceRequest gets or creates the conference for room with props,
// per §6. started reports whether this call created it (false means a
// conference for room already existed and props were not applied to it).
func (a *Admin) ConferenceRequest(room string, props focus.Props) (started bool, err error) {
	_, created, err := a.manager.GetOrCreate(room, props)
	if err != nil {
		return false, err
	}
	return created, nil
}
