package worker

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
)

// QueueManager relays the global queue into a process-local queue.
type QueueManager struct {
	global  *Queue
	local   *Queue
	threads int
	logger  *slog.Logger
	dead    atomic.Bool
}

// NewQueueManager creates a relay that broadcasts one Shutdown per thread.
func NewQueueManager(global, local *Queue, threads int, logger *slog.Logger) *QueueManager {
	if threads < 1 {
		threads = 1
	}
	return &QueueManager{
		global:  global,
		local:   local,
		threads: threads,
		logger:  logging.OrDefault(logger),
	}
}

// Run relays until a Shutdown arrives or ctx is done. On Shutdown it puts
// one Shutdown per thread on the local queue and returns nil.
func (m *QueueManager) Run(ctx context.Context) error {
	defer m.dead.Store(true)

	for {
		msg, err := m.global.Get(ctx)
		if err != nil {
			return err
		}

		if msg.Kind == KindShutdown {
			for i := 0; i < m.threads; i++ {
				if err := m.local.Put(ctx, Shutdown()); err != nil {
					return err
				}
			}
			m.logger.DebugContext(ctx, "queue manager broadcast shutdown", logging.Count(m.threads))
			return nil
		}

		if err := m.local.Put(ctx, msg); err != nil {
			return err
		}
	}
}

// Dead reports whether the relay has returned.
func (m *QueueManager) Dead() bool {
	return m.dead.Load()
}
