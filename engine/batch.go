package engine

import (
	"context"
	"fmt"

	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
)

type batchItem struct {
	add func(ctx context.Context, batchID id.BatchID) error
}

// Batch collects workflow jobs that are enqueued together under one batch
// id. Continuations added with ContinueWith wait for every member.
type Batch struct {
	eng           *Engine
	members       []batchItem
	continuations []batchItem
}

// CreateBatch starts an empty batch.
func (eng *Engine) CreateBatch() *Batch {
	return &Batch{eng: eng}
}

// Count returns the number of member jobs.
func (b *Batch) Count() int { return len(b.members) }

// Add adds workflow name as a member of the batch.
func (b *Batch) Add(name string, data any, opts ...job.Option) *Batch {
	b.members = append(b.members, batchItem{add: func(ctx context.Context, batchID id.BatchID) error {
		_, err := EnqueueWorkflow(ctx, b.eng, name, data, append(opts, job.WithBatch(batchID))...)
		return err
	}})
	return b
}

// ContinueWith runs workflow name after every member completed.
func (b *Batch) ContinueWith(name string, data any, opts ...job.Option) *Batch {
	b.continuations = append(b.continuations, batchItem{add: func(ctx context.Context, batchID id.BatchID) error {
		_, err := ContinueWorkflowWith(ctx, b.eng, batchID, name, data, opts...)
		return err
	}})
	return b
}

// Enqueue stores every member, then the continuations, and returns the
// batch id. An empty batch is an error.
func (b *Batch) Enqueue(ctx context.Context) (id.BatchID, error) {
	if len(b.members) == 0 {
		return id.Nil, fmt.Errorf("flowbridge/engine: batch has no jobs")
	}
	batchID := id.NewBatchID()
	for i, m := range b.members {
		if err := m.add(ctx, batchID); err != nil {
			return batchID, fmt.Errorf("flowbridge/engine: batch %s member %d: %w", batchID, i, err)
		}
	}
	for i, c := range b.continuations {
		if err := c.add(ctx, batchID); err != nil {
			return batchID, fmt.Errorf("flowbridge/engine: batch %s continuation %d: %w", batchID, i, err)
		}
	}
	return batchID, nil
}
