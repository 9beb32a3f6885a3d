package sourcemap

import (
	"fmt"
	"sync"
)

// Condition is the closed set of reasons a validating add or remove can be
// rejected, mirroring the way the signaling transport represents stanza
// errors as a fixed enumeration rather than opaque strings.
type Condition string

// The validation conditions enumerated in §4.2.
const (
	InvalidSsrc                Condition = "InvalidSsrc"
	SsrcAlreadyUsed            Condition = "SsrcAlreadyUsed"
	MsidConflict               Condition = "MsidConflict"
	SsrcLimitExceeded          Condition = "SsrcLimitExceeded"
	SsrcGroupLimitExceeded     Condition = "SsrcGroupLimitExceeded"
	GroupContainsUnknownSource Condition = "GroupContainsUnknownSource"
	InvalidFidGroup            Condition = "InvalidFidGroup"
	GroupMsidMismatch          Condition = "GroupMsidMismatch"
	RequiredParameterMissing   Condition = "RequiredParameterMissing"
)

// ValidationError reports why a tryAdd or tryRemove call was rejected.
type ValidationError struct {
	Condition Condition
	Detail    string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Detail)
}

// Is reports whether target is a ValidationError with the same condition,
// or any ValidationError when target's condition is empty.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	if t.Condition == "" {
		return true
	}
	return e.Condition == t.Condition
}

// Limits bounds the number of sources and groups a single owner may
// register, enforced at add time per §4.2.
type Limits struct {
	MaxSources int
	MaxGroups  int
}

// DefaultLimits matches the teacher-adjacent deployments' conservative
// per-endpoint bounds: a handful of simulcast layers across two media
// types plus their retransmission pairs.
var DefaultLimits = Limits{MaxSources: 20, MaxGroups: 10}

// Validating wraps an unchecked Map and enforces, atomically per call, the
// cross-owner invariants of §3: no identifier or stream label is owned by
// two owners, and per-owner source/group counts stay within limits.
type Validating struct {
	mu     sync.Mutex
	limits Limits
	m      *Map
}

// NewValidating returns a validating source map enforcing limits. A zero
// Limits value means unlimited.
func NewValidating(limits Limits) *Validating {
	return &Validating{limits: limits, m: NewMap()}
}

// Snapshot returns a deep copy of the underlying unchecked map, safe to
// retain and diff against later.
func (v *Validating) Snapshot() *Map {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.m.Copy()
}

// streamLabel returns the "stream" a source belongs to per §3: its
// simulcast group if it has one, else its retransmission group, else
// itself.
func streamLabel(owner string, s Source, groups []SourceGroup) string {
	for _, g := range groups {
		if g.Semantics != SimulcastGroup {
			continue
		}
		for _, ssrc := range g.SSRCs {
			if ssrc == s.SSRC {
				return fmt.Sprintf("%s/sim/%v", owner, g.sortedSSRCs())
			}
		}
	}
	for _, g := range groups {
		if g.Semantics != RetransmissionGroup {
			continue
		}
		for _, ssrc := range g.SSRCs {
			if ssrc == s.SSRC {
				return fmt.Sprintf("%s/fid/%v", owner, g.sortedSSRCs())
			}
		}
	}
	return fmt.Sprintf("%s/ssrc/%d", owner, s.SSRC)
}

// TryAdd validates proposed against the prospective combined state (the
// owner's existing set plus proposed, and every other owner's current
// state) and, on success, commits and returns the subset actually added.
// Empty duplicate groups (already present in the owner's set) are silently
// dropped rather than treated as an error.
func (v *Validating) TryAdd(owner string, proposed EndpointSourceSet) (EndpointSourceSet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing, _ := v.m.Get(owner)

	// Drop sources/groups already present verbatim for this owner.
	have := map[sourceKey]bool{}
	for _, s := range existing.Sources {
		have[s.key()] = true
	}
	haveGroup := map[string]bool{}
	for _, g := range existing.Groups {
		haveGroup[g.key().String()+flattenSSRCs(g.key().ssrcs)] = true
	}

	var newSources []Source
	for _, s := range proposed.Sources {
		if !have[s.key()] {
			newSources = append(newSources, s)
		}
	}
	var newGroups []SourceGroup
	for _, g := range proposed.Groups {
		if len(g.SSRCs) == 0 {
			continue // empty duplicate group, silently dropped
		}
		if !haveGroup[g.key().String()+flattenSSRCs(g.key().ssrcs)] {
			newGroups = append(newGroups, g)
		}
	}
	if len(newSources) == 0 && len(newGroups) == 0 {
		return EndpointSourceSet{}, nil
	}

	if v.limits.MaxSources > 0 && len(existing.Sources)+len(newSources) > v.limits.MaxSources {
		return EndpointSourceSet{}, &ValidationError{Condition: SsrcLimitExceeded, Detail: owner}
	}
	if v.limits.MaxGroups > 0 && len(existing.Groups)+len(newGroups) > v.limits.MaxGroups {
		return EndpointSourceSet{}, &ValidationError{Condition: SsrcGroupLimitExceeded, Detail: owner}
	}

	prospectiveSources := append(append([]Source(nil), existing.Sources...), newSources...)
	prospectiveGroups := append(append([]SourceGroup(nil), existing.Groups...), newGroups...)

	// Groups may only reference known sources, and a retransmission group
	// must contain exactly two sources.
	known := map[uint32]Source{}
	for _, s := range prospectiveSources {
		known[s.SSRC] = s
	}
	for _, g := range newGroups {
		if g.Semantics == RetransmissionGroup && len(g.SSRCs) != 2 {
			return EndpointSourceSet{}, &ValidationError{Condition: InvalidFidGroup, Detail: fmt.Sprintf("group %v", g.SSRCs)}
		}
		var label string
		for i, ssrc := range g.SSRCs {
			s, ok := known[ssrc]
			if !ok {
				return EndpointSourceSet{}, &ValidationError{Condition: GroupContainsUnknownSource, Detail: fmt.Sprintf("ssrc %d", ssrc)}
			}
			if s.Group == "" {
				return EndpointSourceSet{}, &ValidationError{Condition: RequiredParameterMissing, Detail: fmt.Sprintf("msid for %d", ssrc)}
			}
			if i == 0 {
				label = s.Group
			} else if s.Group != label {
				return EndpointSourceSet{}, &ValidationError{Condition: GroupMsidMismatch, Detail: fmt.Sprintf("group %v", g.SSRCs)}
			}
		}
	}

	// Per-owner stream-label uniqueness (§3 EndpointSourceSet invariant).
	streamOf := map[string]string{}
	for _, s := range prospectiveSources {
		label := streamLabel(owner, s, prospectiveGroups)
		if s.SSRC == 0 {
			return EndpointSourceSet{}, &ValidationError{Condition: InvalidSsrc, Detail: "ssrc 0 is reserved"}
		}
		if s.Group != "" {
			if prev, ok := streamOf[string(s.Type)+label]; ok && prev != s.Group {
				return EndpointSourceSet{}, &ValidationError{Condition: MsidConflict, Detail: label}
			}
			streamOf[string(s.Type)+label] = s.Group
		}
	}

	// Cross-owner invariant (§3): no SSRC is owned by two owners, regardless
	// of media type — an SSRC is a single wire-level identifier, so even a
	// same-SSRC-different-type collision between owners is a conflict. Nor is
	// a stream label owned by two owners.
	for otherOwner, otherSet := range v.m.owners {
		if otherOwner == owner {
			continue
		}
		for _, s := range otherSet.Sources {
			for _, n := range newSources {
				if s.SSRC == n.SSRC {
					return EndpointSourceSet{}, &ValidationError{Condition: SsrcAlreadyUsed, Detail: fmt.Sprintf("%d", n.SSRC)}
				}
				if n.Group != "" && s.Group == n.Group {
					return EndpointSourceSet{}, &ValidationError{Condition: MsidConflict, Detail: n.Group}
				}
			}
		}
	}

	merged := EndpointSourceSet{Sources: prospectiveSources, Groups: prospectiveGroups}
	v.m.Set(owner, merged)
	return EndpointSourceSet{Sources: newSources, Groups: newGroups}, nil
}

// TryRemove removes the sources and groups in toRemove from owner's set.
// Any group referencing a removed source is auto-removed along with it.
// Fails if any referenced source or group is absent.
func (v *Validating) TryRemove(owner string, toRemove EndpointSourceSet) (EndpointSourceSet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing, ok := v.m.Get(owner)
	if !ok {
		return EndpointSourceSet{}, &ValidationError{Condition: GroupContainsUnknownSource, Detail: owner}
	}

	have := map[sourceKey]bool{}
	for _, s := range existing.Sources {
		have[s.key()] = true
	}
	for _, s := range toRemove.Sources {
		if !have[s.key()] {
			return EndpointSourceSet{}, &ValidationError{Condition: GroupContainsUnknownSource, Detail: fmt.Sprintf("ssrc %d", s.SSRC)}
		}
	}
	haveGroup := map[string]bool{}
	for _, g := range existing.Groups {
		haveGroup[g.key().String()+flattenSSRCs(g.key().ssrcs)] = true
	}
	for _, g := range toRemove.Groups {
		if !haveGroup[g.key().String()+flattenSSRCs(g.key().ssrcs)] {
			return EndpointSourceSet{}, &ValidationError{Condition: GroupContainsUnknownSource, Detail: fmt.Sprintf("group %v", g.SSRCs)}
		}
	}

	removeSSRC := map[uint32]bool{}
	for _, s := range toRemove.Sources {
		removeSSRC[s.SSRC] = true
	}

	var remainingSources []Source
	var removedSources []Source
	for _, s := range existing.Sources {
		if removeSSRC[s.SSRC] {
			removedSources = append(removedSources, s)
			continue
		}
		remainingSources = append(remainingSources, s)
	}

	explicitGroup := map[string]bool{}
	for _, g := range toRemove.Groups {
		explicitGroup[g.key().String()+flattenSSRCs(g.key().ssrcs)] = true
	}

	var remainingGroups []SourceGroup
	var removedGroups []SourceGroup
	for _, g := range existing.Groups {
		k := g.key().String() + flattenSSRCs(g.key().ssrcs)
		referencesRemoved := false
		for _, ssrc := range g.SSRCs {
			if removeSSRC[ssrc] {
				referencesRemoved = true
				break
			}
		}
		if explicitGroup[k] || referencesRemoved {
			removedGroups = append(removedGroups, g)
			continue
		}
		remainingGroups = append(remainingGroups, g)
	}

	v.m.Set(owner, EndpointSourceSet{Sources: remainingSources, Groups: remainingGroups})
	return EndpointSourceSet{Sources: removedSources, Groups: removedGroups}, nil
}

// Diff computes, relative to a previous snapshot, the sources/groups to add
// and remove to bring a consumer up to date with the current state.
func (v *Validating) Diff(previous *Map) (toAdd, toRemove map[string]EndpointSourceSet) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Diff(previous, v.m)
}

// RemoveOwner deletes an owner's entire set, e.g. when a participant leaves.
func (v *Validating) RemoveOwner(owner string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m.Remove(owner)
}
