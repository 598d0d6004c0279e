// Package middleware provides types.HandlerMiddleware implementations.
package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hatsunemiku3939/sqslistener/types"
)

// VisibilityConfig controls AutoExtendVisibility.
type VisibilityConfig struct {
	// Timeout is the visibility applied on every extension.
	Timeout time.Duration
	// Buffer is how long before expiry the extension is requested.
	Buffer time.Duration
	// MaxDuration cancels the handler context once exceeded. Zero disables it.
	MaxDuration time.Duration
	// Logger receives extension events. Defaults to the global logger.
	Logger *zerolog.Logger
}

// AutoExtendVisibility keeps a message hidden while its handler runs by
// extending its visibility every Timeout-Buffer.
func AutoExtendVisibility(cfg VisibilityConfig) types.HandlerMiddleware {
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	logger := base.With().Str("component", "visibility").Logger()
	interval := cfg.Timeout - cfg.Buffer

	return func(next types.Handler) types.Handler {
		return types.HandlerFunc(func(ctx context.Context, msg types.Message, ack types.Acknowledger) error {
			if cfg.MaxDuration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.MaxDuration)
				defer cancel()
			}
			if interval <= 0 {
				return next.Handle(ctx, msg, ack)
			}

			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if err := ack.ExtendVisibility(ctx, cfg.Timeout); err != nil {
							logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to extend visibility")
							continue
						}
						logger.Debug().Str("message_id", msg.ID).Dur("timeout", cfg.Timeout).Msg("visibility extended")
					case <-stop:
						return
					case <-ctx.Done():
						return
					}
				}
			}()

			err := next.Handle(ctx, msg, ack)
			close(stop)
			wg.Wait()
			return err
		})
	}
}
