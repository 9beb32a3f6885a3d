package participant

import (
	"testing"
	"time"

	"github.com/confocus/focus/internal/sourcemap"
)

func TestSourceQueueCoalescesMultipleEnqueues(t *testing.T) {
	flushed := make(chan struct {
		add, remove sourcemap.EndpointSourceSet
	}, 4)
	q := newSourceQueue(func() time.Duration { return 20 * time.Millisecond }, func(add, remove sourcemap.EndpointSourceSet) {
		flushed <- struct {
			add, remove sourcemap.EndpointSourceSet
		}{add, remove}
	})

	q.enqueue(sourcemap.EndpointSourceSet{Sources: []sourcemap.Source{{SSRC: 1, Type: sourcemap.Audio}}}, sourcemap.EndpointSourceSet{})
	q.enqueue(sourcemap.EndpointSourceSet{Sources: []sourcemap.Source{{SSRC: 2, Type: sourcemap.Audio}}}, sourcemap.EndpointSourceSet{})

	select {
	case got := <-flushed:
		if len(got.add.Sources) != 2 {
			t.Fatalf("expected both sources coalesced into one flush, got %+v", got.add)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a coalesced flush")
	}

	select {
	case got := <-flushed:
		t.Fatalf("expected only one flush, got a second: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSourceQueueCancelsAddThenRemove(t *testing.T) {
	flushed := make(chan struct {
		add, remove sourcemap.EndpointSourceSet
	}, 4)
	q := newSourceQueue(func() time.Duration { return 10 * time.Millisecond }, func(add, remove sourcemap.EndpointSourceSet) {
		flushed <- struct {
			add, remove sourcemap.EndpointSourceSet
		}{add, remove}
	})

	s := sourcemap.Source{SSRC: 7, Type: sourcemap.Video}
	q.enqueue(sourcemap.EndpointSourceSet{Sources: []sourcemap.Source{s}}, sourcemap.EndpointSourceSet{})
	q.enqueue(sourcemap.EndpointSourceSet{}, sourcemap.EndpointSourceSet{Sources: []sourcemap.Source{s}})

	select {
	case got := <-flushed:
		t.Fatalf("expected the cancelling add/remove pair to never flush, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSourceQueueCancelsRemoveThenAdd(t *testing.T) {
	flushed := make(chan struct {
		add, remove sourcemap.EndpointSourceSet
	}, 4)
	q := newSourceQueue(func() time.Duration { return 10 * time.Millisecond }, func(add, remove sourcemap.EndpointSourceSet) {
		flushed <- struct {
			add, remove sourcemap.EndpointSourceSet
		}{add, remove}
	})

	s := sourcemap.Source{SSRC: 9, Type: sourcemap.Audio}
	q.enqueue(sourcemap.EndpointSourceSet{}, sourcemap.EndpointSourceSet{Sources: []sourcemap.Source{s}})
	q.enqueue(sourcemap.EndpointSourceSet{Sources: []sourcemap.Source{s}}, sourcemap.EndpointSourceSet{})

	select {
	case got := <-flushed:
		t.Fatalf("expected the cancelling remove/add pair to never flush, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSourceQueueStopDiscardsPending(t *testing.T) {
	called := false
	q := newSourceQueue(func() time.Duration { return 10 * time.Millisecond }, func(add, remove sourcemap.EndpointSourceSet) {
		called = true
	})
	q.enqueue(sourcemap.EndpointSourceSet{Sources: []sourcemap.Source{{SSRC: 1, Type: sourcemap.Audio}}}, sourcemap.EndpointSourceSet{})
	q.stop()
	time.Sleep(50 * time.Millisecond)
	if called {
		t.Fatalf("expected stop to discard the pending diff")
	}
}

func TestSourceQueueFlushNowIsImmediate(t *testing.T) {
	flushed := make(chan sourcemap.EndpointSourceSet, 1)
	q := newSourceQueue(func() time.Duration { return time.Hour }, func(add, remove sourcemap.EndpointSourceSet) {
		flushed <- add
	})
	q.enqueue(sourcemap.EndpointSourceSet{Sources: []sourcemap.Source{{SSRC: 3, Type: sourcemap.Video}}}, sourcemap.EndpointSourceSet{})
	q.flushNow()

	select {
	case got := <-flushed:
		if len(got.Sources) != 1 || got.Sources[0].SSRC != 3 {
			t.Fatalf("wrong flushed set: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected flushNow to deliver immediately")
	}
}
