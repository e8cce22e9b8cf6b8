package repair

import (
	"context"

	"golang.org/x/sync/errgroup"

	"interfix/internal/document"
)

// BatchItem names one document queued for repair.
type BatchItem struct {
	Name string
	Doc  document.Document
}

// BatchResult pairs an item with its run outcome. Err is set only for runs
// whose opening classification failed.
type BatchResult struct {
	Name   string
	Result Result
	Err    error
}

// Batch repairs documents concurrently under a bounded worker pool. Every
// document gets an independent run and one failing document never stops the
// others; results come back in input order.
func (o *Orchestrator) Batch(ctx context.Context, items []BatchItem, workers int) []BatchResult {
	if workers <= 0 {
		workers = 4
	}

	results := make([]BatchResult, len(items))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, item := range items {
		g.Go(func() error {
			res, err := o.RunNamed(ctx, item.Name, item.Doc)
			results[i] = BatchResult{Name: item.Name, Result: res, Err: err}
			return nil
		})
	}
	// Workers never return errors, so Wait only fences completion.
	_ = g.Wait()
	return results
}
