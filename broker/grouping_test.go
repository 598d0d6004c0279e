package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatsunemiku3939/sqslistener/types"
)

// recorder logs handler start/end events and per-group concurrency.
type recorder struct {
	mu       sync.Mutex
	events   []string
	inGroup  map[string]int
	overlaps int
}

func newRecorder() *recorder {
	return &recorder{inGroup: make(map[string]int)}
}

func (r *recorder) start(m types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "start:"+m.ID)
	r.inGroup[m.GroupID]++
	if r.inGroup[m.GroupID] > 1 {
		r.overlaps++
	}
}

func (r *recorder) end(m types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "end:"+m.ID)
	r.inGroup[m.GroupID]--
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.snapshot() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func indexOf(events []string, e string) int {
	for i, v := range events {
		if v == e {
			return i
		}
	}
	return -1
}

func TestGrouping_SerializesGroupsRunsGroupsInParallel(t *testing.T) {
	src := newSource(
		groupMsg("a1", "A"), groupMsg("a2", "A"), groupMsg("a3", "A"), groupMsg("b1", "B"),
	)
	g := NewGrouping(2)
	rec := newRecorder()

	bStarted := make(chan struct{})
	process := func(m types.Message) error {
		rec.start(m)
		defer rec.end(m)
		switch m.ID {
		case "b1":
			close(bStarted)
		case "a1":
			// a1 and b1 must be able to overlap
			select {
			case <-bStarted:
			case <-time.After(time.Second):
				return errors.New("b1 never ran alongside a1")
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	done := runAsync(g.Run, context.Background(), src, process)
	require.Eventually(t, func() bool { return rec.count("end:") == 4 }, 2*time.Second, time.Millisecond)
	require.NoError(t, g.Stop())
	require.NoError(t, <-done)

	events := rec.snapshot()
	assert.Zero(t, rec.overlaps)
	assert.Less(t, indexOf(events, "end:a1"), indexOf(events, "start:a2"))
	assert.Less(t, indexOf(events, "end:a2"), indexOf(events, "start:a3"))
	assert.Less(t, indexOf(events, "start:b1"), indexOf(events, "end:a1"))
}

func TestGrouping_NeverExceedsConcurrency(t *testing.T) {
	var msgs []types.Message
	for i := 0; i < 30; i++ {
		group := string(rune('A' + i%6))
		msgs = append(msgs, groupMsg(group+string(rune('0'+i/6)), group))
	}
	src := newSource(msgs...)
	g := NewGrouping(3, WithMaxPerGroup(2))
	rec := newRecorder()

	var total gauge
	process := func(m types.Message) error {
		total.enter()
		rec.start(m)
		time.Sleep(2 * time.Millisecond)
		rec.end(m)
		total.exit()
		return nil
	}

	done := runAsync(g.Run, context.Background(), src, process)
	require.Eventually(t, func() bool { return rec.count("end:") == 30 }, 5*time.Second, time.Millisecond)
	require.NoError(t, g.Stop())
	require.NoError(t, <-done)

	assert.LessOrEqual(t, total.max(), 3)
	assert.Zero(t, rec.overlaps)

	events := rec.snapshot()
	for _, group := range []string{"A", "B", "C", "D", "E", "F"} {
		prev := -1
		for n := 0; n < 5; n++ {
			idx := indexOf(events, "start:"+group+string(rune('0'+n)))
			require.GreaterOrEqual(t, idx, 0)
			assert.Greater(t, idx, prev, "group %s out of order", group)
			prev = idx
		}
	}
}

func TestGrouping_PausesRetrievalWhenGroupIsFull(t *testing.T) {
	src := newSource(groupMsg("a1", "A"), groupMsg("a2", "A"), groupMsg("a3", "A"), groupMsg("a4", "A"))
	g := NewGrouping(2, WithMaxPerGroup(1))

	release := make(chan struct{})
	process := func(types.Message) error {
		<-release
		return nil
	}

	done := runAsync(g.Run, context.Background(), src, process)
	require.Eventually(t, func() bool { return g.Held() == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, src.remaining(), "retrieval should pause while the group queue is full")

	close(release)
	require.Eventually(t, func() bool { return src.remaining() == 0 && g.Held() == 0 && g.InFlight() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, g.Stop())
	require.NoError(t, <-done)
}

func TestGrouping_PurgeGroupOnFailure(t *testing.T) {
	src := newSource(groupMsg("a1", "A"), groupMsg("a2", "A"), groupMsg("b1", "B"))
	g := NewGrouping(2, WithPurgeGroupOnFailure(true))
	rec := newRecorder()

	failing := make(chan struct{})
	process := func(m types.Message) error {
		rec.start(m)
		defer rec.end(m)
		if m.ID == "a1" {
			<-failing
			return errors.New("a1 failed")
		}
		return nil
	}

	done := runAsync(g.Run, context.Background(), src, process)
	require.Eventually(t, func() bool { return g.Held() == 1 && rec.count("end:b1") == 1 }, time.Second, time.Millisecond)

	close(failing)
	require.Eventually(t, func() bool { return g.InFlight() == 0 && g.Held() == 0 }, time.Second, time.Millisecond)

	// a redelivered member of the failed group arriving right away is dropped
	src.push(groupMsg("a2", "A"))
	require.Eventually(t, func() bool { return src.remaining() == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, g.Stop())
	require.NoError(t, <-done)
	assert.Equal(t, -1, indexOf(rec.snapshot(), "start:a2"))
}

func TestGrouping_ContinuesGroupAfterFailureByDefault(t *testing.T) {
	src := newSource(groupMsg("a1", "A"), groupMsg("a2", "A"))
	g := NewGrouping(1)
	rec := newRecorder()

	process := func(m types.Message) error {
		rec.start(m)
		defer rec.end(m)
		if m.ID == "a1" {
			return errors.New("a1 failed")
		}
		return nil
	}

	done := runAsync(g.Run, context.Background(), src, process)
	require.Eventually(t, func() bool { return rec.count("end:") == 2 }, time.Second, time.Millisecond)
	require.NoError(t, g.Stop())
	require.NoError(t, <-done)

	events := rec.snapshot()
	assert.Less(t, indexOf(events, "end:a1"), indexOf(events, "start:a2"))
}

func TestGrouping_ProcessCachedOnShutdown(t *testing.T) {
	tests := []struct {
		name      string
		process   bool
		wantStart int
	}{
		{name: "discard held", process: false, wantStart: 1},
		{name: "process held", process: true, wantStart: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSource(groupMsg("a1", "A"), groupMsg("a2", "A"), groupMsg("a3", "A"))
			g := NewGrouping(2, WithProcessCachedOnShutdown(tt.process))
			rec := newRecorder()

			release := make(chan struct{})
			process := func(m types.Message) error {
				rec.start(m)
				defer rec.end(m)
				if m.ID == "a1" {
					<-release
				}
				return nil
			}

			done := runAsync(g.Run, context.Background(), src, process)
			require.Eventually(t, func() bool { return g.Held() == 2 }, time.Second, time.Millisecond)

			require.NoError(t, g.Stop())
			close(release)
			require.NoError(t, <-done)

			assert.Equal(t, tt.wantStart, rec.count("start:"))
			assert.Zero(t, g.Held())
		})
	}
}

func TestDefaultGroupKey(t *testing.T) {
	assert.Equal(t, "orders", DefaultGroupKey(groupMsg("1", "orders")))
	assert.Equal(t, "1", DefaultGroupKey(msg("1")))
}

func TestGrouping_ReturnsWhenSourceExhausted(t *testing.T) {
	g := NewGrouping(2)
	rec := newRecorder()
	process := func(m types.Message) error {
		rec.start(m)
		defer rec.end(m)
		time.Sleep(2 * time.Millisecond)
		return nil
	}

	src := FromMessages([]types.Message{
		groupMsg("a1", "A"), groupMsg("a2", "A"), groupMsg("b1", "B"), groupMsg("a3", "A"),
	})
	require.NoError(t, g.Run(context.Background(), src, process))

	events := rec.snapshot()
	assert.Equal(t, 4, rec.count("end:"))
	assert.Zero(t, rec.overlaps)
	assert.Less(t, indexOf(events, "end:a1"), indexOf(events, "start:a2"))
	assert.Less(t, indexOf(events, "end:a2"), indexOf(events, "start:a3"))
	assert.Zero(t, g.Held())
}

func TestFromMessages(t *testing.T) {
	src := FromMessages([]types.Message{msg("1")})

	m, err := src.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", m.ID)

	_, err = src.Retrieve(context.Background())
	assert.ErrorIs(t, err, ErrSourceExhausted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = FromMessages([]types.Message{msg("2")}).Retrieve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
