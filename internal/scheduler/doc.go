// Package scheduler runs recurring and one-shot jobs on a shared durable queue.
//
// Registration is idempotent per job id. A single clock goroutine turns due
// schedule entries into firings through a compare-and-set on the queue, so any
// number of scheduler processes produce one firing per tick. A pool of worker
// goroutines executes firings with at-least-once semantics and a fixed-delay
// retry bounded by the job's RetryPolicy.
package scheduler
