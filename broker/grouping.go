package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hatsunemiku3939/sqslistener/pkg/permit"
	"github.com/hatsunemiku3939/sqslistener/types"
)

// DefaultGroupKey groups FIFO messages by message group id. Messages without
// one are independent of each other.
func DefaultGroupKey(msg types.Message) string {
	if msg.GroupID != "" {
		return msg.GroupID
	}
	return msg.ID
}

// WithMaxGroups bounds how many distinct groups are tracked at once. Zero
// tracks as many groups as the concurrency level.
func WithMaxGroups(n int) Option {
	return func(s *settings) { s.maxGroups = n }
}

// WithMaxPerGroup bounds how many messages are held for a single group.
func WithMaxPerGroup(n int) Option {
	return func(s *settings) { s.maxPerGroup = n }
}

// WithGroupKey overrides how a message's group is determined.
func WithGroupKey(fn func(types.Message) string) Option {
	return func(s *settings) { s.groupKey = fn }
}

// WithPurgeGroupOnFailure drops held messages of a group whose message failed,
// along with messages of that group retrieved shortly after, so that the
// queue redelivers them in order.
func WithPurgeGroupOnFailure(purge bool) Option {
	return func(s *settings) { s.purgeGroupOnFailure = purge }
}

// WithProcessCachedOnShutdown processes held messages before Run returns
// instead of leaving them for redelivery.
func WithProcessCachedOnShutdown(process bool) Option {
	return func(s *settings) { s.processCachedOnShutdown = process }
}

type held struct {
	msg types.Message
	seq uint64
}

type group struct {
	held     []held
	inFlight bool
}

// Grouping processes messages of the same group one at a time in arrival
// order while different groups run concurrently. Retrieved messages are held
// per group until their group has nothing in flight.
type Grouping struct {
	lifecycle

	permits  *permit.Pool
	s        settings
	log      zerolog.Logger
	inFlight atomic.Int32

	mu       sync.Mutex
	groups   map[string]*group
	failedAt map[string]time.Time
	seq      uint64

	ready chan struct{} // a held message may have become dispatchable
	room  chan struct{} // the cache may have room for another message
}

// NewGrouping creates a Grouping broker allowing level messages in flight.
func NewGrouping(level int, opts ...Option) *Grouping {
	s := newSettings(opts)
	if s.maxPerGroup < 1 {
		s.maxPerGroup = 1
	}
	return &Grouping{
		permits:  permit.New(level),
		s:        s,
		log:      s.logger,
		groups:   make(map[string]*group),
		failedAt: make(map[string]time.Time),
		ready:    make(chan struct{}, 1),
		room:     make(chan struct{}, 1),
	}
}

// Run retrieves messages into the group cache and dispatches them until ctx
// is cancelled or Stop is called. When src is exhausted, every held message
// is processed before Run returns. It returns after all dispatched goroutines
// have finished.
func (g *Grouping) Run(ctx context.Context, src Source, process ProcessFunc) error {
	ctx, err := g.begin(ctx)
	if err != nil {
		return err
	}
	defer g.finish()

	g.log.Info().Int("concurrency", g.permits.Level()).Msg("grouping broker started")

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	var exhausted atomic.Bool
	pumpDone := make(chan struct{})
	go g.pump(loopCtx, src, pumpDone, func() {
		exhausted.Store(true)
		stopLoop()
	})

	var wg sync.WaitGroup
	for {
		if err := g.permits.Acquire(loopCtx); err != nil {
			break
		}
		msg, key, ok := g.awaitReady(loopCtx)
		if !ok {
			g.permits.Release()
			break
		}
		g.dispatch(&wg, process, msg, key)
	}

	g.stopping()
	<-pumpDone
	if g.s.processCachedOnShutdown || exhausted.Load() {
		g.processCached(&wg, process)
	}
	wg.Wait()

	g.mu.Lock()
	discarded := g.heldLocked()
	g.groups = make(map[string]*group)
	g.mu.Unlock()

	g.log.Info().Int("discarded", discarded).Msg("grouping broker stopped")
	return nil
}

// Resize changes the concurrency level.
func (g *Grouping) Resize(level int) {
	g.permits.Resize(level)
	g.log.Info().Int("concurrency", level).Msg("concurrency changed")
	signal(g.room)
}

// Level returns the current concurrency level.
func (g *Grouping) Level() int { return g.permits.Level() }

// InFlight returns the number of messages currently being processed.
func (g *Grouping) InFlight() int { return int(g.inFlight.Load()) }

// Held returns the number of retrieved messages waiting for their group.
func (g *Grouping) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heldLocked()
}

func (g *Grouping) heldLocked() int {
	n := 0
	for _, grp := range g.groups {
		n += len(grp.held)
	}
	return n
}

// pump retrieves messages into the cache while it has room.
func (g *Grouping) pump(ctx context.Context, src Source, done chan struct{}, onExhausted func()) {
	defer close(done)
	for {
		g.mu.Lock()
		full := g.full()
		g.mu.Unlock()

		if full {
			select {
			case <-g.room:
				continue
			case <-ctx.Done():
				return
			}
		}

		msg, err := src.Retrieve(ctx)
		if err != nil {
			if errors.Is(err, ErrSourceExhausted) {
				onExhausted()
				return
			}
			if ctx.Err() != nil {
				return
			}
			g.log.Error().Err(err).Dur("backoff", g.s.errorBackoff).Msg("failed to retrieve message")
			if !sleep(ctx, g.s.errorBackoff) {
				return
			}
			continue
		}
		g.hold(msg)
		signal(g.ready)
	}
}

// awaitReady blocks until a held message is dispatchable or ctx is done.
func (g *Grouping) awaitReady(ctx context.Context) (types.Message, string, bool) {
	for {
		g.mu.Lock()
		msg, key, ok := g.popReady()
		g.mu.Unlock()
		if ok {
			signal(g.room)
			return msg, key, true
		}
		select {
		case <-g.ready:
		case <-ctx.Done():
			return types.Message{}, "", false
		}
	}
}

func (g *Grouping) dispatch(wg *sync.WaitGroup, process ProcessFunc, msg types.Message, key string) {
	wg.Add(1)
	g.inFlight.Add(1)
	go func() {
		defer wg.Done()
		err := invoke(g.log, process, msg)
		g.complete(key, err)
		g.inFlight.Add(-1)
		g.permits.Release()
	}()
}

// processCached dispatches every held message, still one per group at a time.
func (g *Grouping) processCached(wg *sync.WaitGroup, process ProcessFunc) {
	for {
		if err := g.permits.Acquire(context.Background()); err != nil {
			return
		}
		g.mu.Lock()
		msg, key, ok := g.popReady()
		remaining := g.heldLocked()
		g.mu.Unlock()

		if ok {
			g.dispatch(wg, process, msg, key)
			continue
		}
		g.permits.Release()
		if remaining == 0 {
			return
		}
		<-g.ready
	}
}

func (g *Grouping) hold(msg types.Message) {
	key := g.s.groupKey(msg)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.s.purgeGroupOnFailure {
		if at, ok := g.failedAt[key]; ok && time.Since(at) < purgeWindow {
			g.log.Debug().Str("group", key).Str("message_id", msg.ID).Msg("dropping message of recently failed group")
			return
		}
	}

	grp, ok := g.groups[key]
	if !ok {
		grp = &group{}
		g.groups[key] = grp
	}
	g.seq++
	grp.held = append(grp.held, held{msg: msg, seq: g.seq})
}

// popReady removes the oldest held message of a group with nothing in flight
// and marks that group in flight. g.mu must be held.
func (g *Grouping) popReady() (types.Message, string, bool) {
	var (
		bestKey string
		best    *group
	)
	for key, grp := range g.groups {
		if grp.inFlight || len(grp.held) == 0 {
			continue
		}
		if best == nil || grp.held[0].seq < best.held[0].seq {
			bestKey, best = key, grp
		}
	}
	if best == nil {
		return types.Message{}, "", false
	}

	msg := best.held[0].msg
	best.held = best.held[1:]
	best.inFlight = true
	return msg, bestKey, true
}

// full reports whether retrieval must pause. g.mu must be held.
func (g *Grouping) full() bool {
	maxGroups := g.s.maxGroups
	if maxGroups <= 0 {
		maxGroups = g.permits.Level()
	}
	if len(g.groups) >= maxGroups {
		return true
	}
	for _, grp := range g.groups {
		if len(grp.held) >= g.s.maxPerGroup {
			return true
		}
	}
	return false
}

func (g *Grouping) complete(key string, err error) {
	g.mu.Lock()
	grp, ok := g.groups[key]
	if ok {
		grp.inFlight = false
		if err != nil && g.s.purgeGroupOnFailure {
			now := time.Now()
			if len(grp.held) > 0 {
				g.log.Warn().Str("group", key).Int("purged", len(grp.held)).Msg("purging group after failure")
			}
			grp.held = nil
			g.failedAt[key] = now
			for k, at := range g.failedAt {
				if now.Sub(at) >= purgeWindow {
					delete(g.failedAt, k)
				}
			}
		}
		if len(grp.held) == 0 {
			delete(g.groups, key)
		}
	}
	g.mu.Unlock()
	signal(g.ready)
	signal(g.room)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
