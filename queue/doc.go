// Package queue gates job execution per named queue.
//
// A [Config] caps concurrency and sets a token-bucket rate
// (golang.org/x/time/rate) for one queue:
//
//	m := queue.NewManager(
//		queue.Config{Name: "workflows", MaxConcurrency: 8},
//		queue.Config{Name: "reports", RateLimit: 2, RateBurst: 4},
//	)
//	if ok, _ := m.Acquire("reports"); ok {
//		defer m.Release("reports")
//		// run the job
//	}
//
// The worker pool asks the manager before running each dequeued job and
// pushes refused jobs back by the suggested delay.
package queue
