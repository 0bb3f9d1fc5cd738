package store

import (
	"context"
	"log/slog"
	"time"
)

const defaultCheckpointInterval = time.Minute

// Persister writes cache state to disk. *Engine implements it.
type Persister interface {
	PersistStorageFolderStates(ctx context.Context) error
}

// CheckpointConfig configures a Checkpointer.
type CheckpointConfig struct {
	// Interval between persistence runs (default: 1m).
	Interval time.Duration

	// Logger for persistence failures.
	Logger *slog.Logger
}

// Checkpointer persists folder state on an interval so an unclean shutdown
// loses at most one interval of index changes.
type Checkpointer struct {
	persister Persister
	config    CheckpointConfig
	logger    *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCheckpointer creates a Checkpointer. Call Start to begin.
func NewCheckpointer(p Persister, cfg CheckpointConfig) *Checkpointer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultCheckpointInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Checkpointer{
		persister: p,
		config:    cfg,
		logger:    cfg.Logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the background goroutine. It must be called once.
func (c *Checkpointer) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop signals the background goroutine to exit and waits for it to finish.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.persister.PersistStorageFolderStates(ctx); err != nil {
				c.logger.Warn("checkpoint: persisting storage folders failed", "error", err)
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
