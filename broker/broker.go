// Package broker coordinates retrieval and concurrent processing of messages
// under a resizable concurrency limit.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hatsunemiku3939/sqslistener/types"
)

var (
	ErrAlreadyRunning = errors.New("broker already running")
	ErrNotRunning     = errors.New("broker not running")
	ErrPanic          = errors.New("panic while processing message")

	// ErrSourceExhausted is returned by a Source that will never yield
	// another message. Run returns once the messages already retrieved
	// have been processed.
	ErrSourceExhausted = errors.New("source exhausted")
)

const (
	defaultErrorBackoff = 10 * time.Second
	defaultMaxPerGroup  = 10
	purgeWindow         = time.Second
)

// Source supplies messages to a broker.
type Source interface {
	Retrieve(ctx context.Context) (types.Message, error)
}

// ProcessFunc handles one message. Its error only reports the outcome; the
// broker never retries.
type ProcessFunc func(msg types.Message) error

// State is the lifecycle state of a broker.
type State int32

const (
	NotStarted State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a Concurrent or Grouping broker.
type Option func(*settings)

type settings struct {
	errorBackoff            time.Duration
	logger                  zerolog.Logger
	maxGroups               int
	maxPerGroup             int
	groupKey                func(types.Message) string
	purgeGroupOnFailure     bool
	processCachedOnShutdown bool
}

func newSettings(opts []Option) settings {
	s := settings{
		errorBackoff: defaultErrorBackoff,
		logger:       log.Logger.With().Str("component", "broker").Logger(),
		maxPerGroup:  defaultMaxPerGroup,
		groupKey:     DefaultGroupKey,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithErrorBackoff sets the pause after a failed retrieval.
func WithErrorBackoff(d time.Duration) Option {
	return func(s *settings) { s.errorBackoff = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// lifecycle tracks the broker state machine shared by both brokers.
type lifecycle struct {
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

func (l *lifecycle) begin(parent context.Context) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Running || l.state == Stopping {
		return nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	l.state = Running
	l.cancel = cancel
	return ctx, nil
}

func (l *lifecycle) stopping() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Running {
		l.state = Stopping
	}
}

func (l *lifecycle) finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = Stopped
	l.cancel()
}

// Stop asks the loop to stop acquiring permits. Run returns once in-flight
// work has finished.
func (l *lifecycle) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Running {
		return fmt.Errorf("%w: %s", ErrNotRunning, l.state)
	}
	l.state = Stopping
	l.cancel()
	return nil
}

// State returns the current lifecycle state.
func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// invoke runs process and converts a panic into an error.
func invoke(logger zerolog.Logger, process ProcessFunc, msg types.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("message_id", msg.ID).Interface("panic", r).Msg("recovered from panic while processing message")
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return process(msg)
}

// sleep waits for d or until ctx is done, reporting whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
