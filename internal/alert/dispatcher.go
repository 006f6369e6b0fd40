package alert

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/logging"
)

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []AlertConfig
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, log *zap.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{configs: configs, log: logging.OrNop(log)}
}

// Dispatch sends the event to all webhooks whose Events list matches its
// type or severity. Fires goroutines and does not block the caller.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg AlertConfig) {
			defer d.wg.Done()
			if err := Send(context.Background(), cfg, event); err != nil {
				d.log.Warn("alert webhook failed", zap.String("url", cfg.URL), zap.String("type", event.Type), zap.Error(err))
			}
		}(cfg)
	}
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == "*" || e == event.Type {
			return true
		}
		if event.Severity != "" && e == event.Severity {
			return true
		}
	}
	return false
}
