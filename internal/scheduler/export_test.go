package scheduler

import (
	"context"
	"testing"

	"github.com/pscheid92/presencepulse/internal/domain"
	"github.com/stretchr/testify/require"
)

// drain executes whatever is ready without blocking and reports how many
// deliveries it handled.
func (s *Scheduler) drain(ctx context.Context, consumer string) int {
	handled := 0
	for {
		deliveries, err := s.queue.Receive(ctx, consumer, s.opts.BatchSize, 0)
		if err != nil || len(deliveries) == 0 {
			return handled
		}
		for _, d := range deliveries {
			s.execute(ctx, d)
		}
		handled += len(deliveries)
	}
}

// unacked counts delivered firings that were never acknowledged.
func unacked(t *testing.T, q domain.JobQueue) int {
	t.Helper()
	pending, err := q.Reclaim(context.Background(), "inspect", 0, 0)
	require.NoError(t, err)
	return len(pending)
}
