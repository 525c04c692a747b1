package store

import (
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/workflow"
)

// Store is the aggregate persistence interface. Each subsystem store is a
// composable interface and a single backend implements all of them.
type Store interface {
	job.Store
	workflow.Store
	cron.Store
	event.Store

	// correlation.Backend brings the correlation store together with
	// Migrate, Ping and Close.
	correlation.Backend
}
