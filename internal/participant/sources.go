package participant

import (
	"sort"
	"sync"
	"time"

	"github.com/confocus/focus/internal/sourcemap"
)

// sourceQueue accumulates a pending source diff for one participant and
// flushes it, coalesced, after a short delay — §4.5's "Source signaling
// queue". Enqueuing an add that cancels a still-pending remove (or vice
// versa) drops both rather than ever emitting them, so the client never
// sees a source flap that settled before the next flush.
type sourceQueue struct {
	mu      sync.Mutex
	add     sourcemap.EndpointSourceSet
	remove  sourcemap.EndpointSourceSet
	timer   *time.Timer
	armed   bool
	stopped bool

	interval func() time.Duration
	onFlush  func(add, remove sourcemap.EndpointSourceSet)
}

func newSourceQueue(interval func() time.Duration, onFlush func(add, remove sourcemap.EndpointSourceSet)) *sourceQueue {
	return &sourceQueue{interval: interval, onFlush: onFlush}
}

// enqueue merges add/remove into the pending diff and arms the coalesced
// flush timer if one is not already pending.
func (q *sourceQueue) enqueue(add, remove sourcemap.EndpointSourceSet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.add, q.remove = mergeDiff(q.add, q.remove, add, remove)
	if !q.armed && !(q.add.Empty() && q.remove.Empty()) {
		q.armed = true
		d := time.Duration(0)
		if q.interval != nil {
			d = q.interval()
		}
		q.timer = time.AfterFunc(d, q.fire)
	}
}

func (q *sourceQueue) fire() {
	q.mu.Lock()
	add, remove := q.add, q.remove
	q.add, q.remove = sourcemap.EndpointSourceSet{}, sourcemap.EndpointSourceSet{}
	q.armed = false
	done := q.stopped
	q.mu.Unlock()

	if done || (add.Empty() && remove.Empty()) {
		return
	}
	q.onFlush(add, remove)
}

// flushNow fires the pending diff immediately (e.g. on session-accept),
// canceling any armed timer.
func (q *sourceQueue) flushNow() {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
	}
	add, remove := q.add, q.remove
	q.add, q.remove = sourcemap.EndpointSourceSet{}, sourcemap.EndpointSourceSet{}
	q.armed = false
	done := q.stopped
	q.mu.Unlock()

	if done || (add.Empty() && remove.Empty()) {
		return
	}
	q.onFlush(add, remove)
}

// stop discards any pending diff and prevents further flushes, e.g. once
// the owning participant's session has ended.
func (q *sourceQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
	}
	q.stopped = true
	q.add, q.remove = sourcemap.EndpointSourceSet{}, sourcemap.EndpointSourceSet{}
}

type srcKey struct {
	typ  sourcemap.MediaType
	ssrc uint32
}

func keyOf(s sourcemap.Source) srcKey { return srcKey{s.Type, s.SSRC} }

type grpKey struct {
	semantics sourcemap.Semantics
	typ       sourcemap.MediaType
	ssrcs     string
}

func groupKeyOf(g sourcemap.SourceGroup) grpKey {
	ssrcs := append([]uint32(nil), g.SSRCs...)
	sort.Slice(ssrcs, func(i, j int) bool { return ssrcs[i] < ssrcs[j] })
	var b []byte
	for _, s := range ssrcs {
		b = append(b, byte(s), byte(s>>8), byte(s>>16), byte(s>>24), ',')
	}
	return grpKey{g.Semantics, g.Type, string(b)}
}

// mergeDiff folds (newAdd, newRemove) into (pendingAdd, pendingRemove),
// canceling entries that logically undo each other rather than ever
// queuing both directions for the same source or group.
func mergeDiff(pendingAdd, pendingRemove, newAdd, newRemove sourcemap.EndpointSourceSet) (sourcemap.EndpointSourceSet, sourcemap.EndpointSourceSet) {
	addSources := indexSources(pendingAdd)
	removeSources := indexSources(pendingRemove)
	addGroups := indexGroups(pendingAdd)
	removeGroups := indexGroups(pendingRemove)

	for _, s := range newAdd.Sources {
		k := keyOf(s)
		if _, ok := removeSources[k]; ok {
			delete(removeSources, k)
			continue
		}
		addSources[k] = s
	}
	for _, g := range newAdd.Groups {
		k := groupKeyOf(g)
		if _, ok := removeGroups[k]; ok {
			delete(removeGroups, k)
			continue
		}
		addGroups[k] = g
	}
	for _, s := range newRemove.Sources {
		k := keyOf(s)
		if _, ok := addSources[k]; ok {
			delete(addSources, k)
			continue
		}
		removeSources[k] = s
	}
	for _, g := range newRemove.Groups {
		k := groupKeyOf(g)
		if _, ok := addGroups[k]; ok {
			delete(addGroups, k)
			continue
		}
		removeGroups[k] = g
	}

	return fromIndex(addSources, addGroups), fromIndex(removeSources, removeGroups)
}

func indexSources(set sourcemap.EndpointSourceSet) map[srcKey]sourcemap.Source {
	out := make(map[srcKey]sourcemap.Source, len(set.Sources))
	for _, s := range set.Sources {
		out[keyOf(s)] = s
	}
	return out
}

func indexGroups(set sourcemap.EndpointSourceSet) map[grpKey]sourcemap.SourceGroup {
	out := make(map[grpKey]sourcemap.SourceGroup, len(set.Groups))
	for _, g := range set.Groups {
		out[groupKeyOf(g)] = g
	}
	return out
}

func fromIndex(sources map[srcKey]sourcemap.Source, groups map[grpKey]sourcemap.SourceGroup) sourcemap.EndpointSourceSet {
	var out sourcemap.EndpointSourceSet
	for _, s := range sources {
		out.Sources = append(out.Sources, s)
	}
	for _, g := range groups {
		out.Groups = append(out.Groups, g)
	}
	sort.Slice(out.Sources, func(i, j int) bool {
		if out.Sources[i].Type != out.Sources[j].Type {
			return out.Sources[i].Type < out.Sources[j].Type
		}
		return out.Sources[i].SSRC < out.Sources[j].SSRC
	})
	return out
}
