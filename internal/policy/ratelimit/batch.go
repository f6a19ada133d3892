package ratelimit

import (
	"context"
	"fmt"
)

// Progress is reported after every item completes.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// BatchOptions tunes BatchProcess. The zero value continues past failures.
type BatchOptions struct {
	OnProgress  func(Progress)
	StopOnError bool
}

// ItemResult is the outcome of one batch item.
type ItemResult[R any] struct {
	Index int
	Value R
	Err   error
}

// BatchResult collects per-item outcomes in submission order.
type BatchResult[R any] struct {
	Results      []ItemResult[R]
	SuccessCount int
	ErrorCount   int
}

// BatchProcess submits each item through l one at a time and waits for it
// before submitting the next, so progress is reported in input order. With
// StopOnError the first failure is returned and later items are skipped.
func BatchProcess[I, R any](
	ctx context.Context,
	l *Limiter,
	items []I,
	fn func(context.Context, I) (R, error),
	opts BatchOptions,
) (BatchResult[R], error) {
	out := BatchResult[R]{Results: make([]ItemResult[R], 0, len(items))}
	for i, item := range items {
		res := l.Enqueue(ctx, func(ctx context.Context) (any, error) {
			return fn(ctx, item)
		})
		raw, err := res.Await(ctx)
		entry := ItemResult[R]{Index: i, Err: err}
		if err == nil {
			if v, ok := raw.(R); ok {
				entry.Value = v
			}
			out.SuccessCount++
		} else {
			out.ErrorCount++
		}
		out.Results = append(out.Results, entry)
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				Current: i + 1,
				Total:   len(items),
				Success: out.SuccessCount,
				Failed:  out.ErrorCount,
			})
		}
		if err != nil && opts.StopOnError {
			return out, fmt.Errorf("batch item %d: %w", i, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil && i < len(items)-1 {
			return out, fmt.Errorf("batch canceled after %d of %d: %w", i+1, len(items), ctxErr)
		}
	}
	return out, nil
}
