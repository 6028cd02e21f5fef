package events

import "context"

// BatchFailure describes one item of a batch that was rolled back.
type BatchFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResult tells the caller item by item what was applied.
type BatchResult struct {
	Succeeded []int          `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// AllFailed reports whether a non-empty batch had no successful item.
func (r BatchResult) AllFailed() bool {
	return len(r.Succeeded) == 0 && len(r.Failed) > 0
}

// RunBatch applies items sequentially, one transaction per item. A failed
// item never affects its siblings.
func RunBatch[T any](ctx context.Context, items []T, apply func(context.Context, T) error) BatchResult {
	res := BatchResult{Succeeded: []int{}, Failed: []BatchFailure{}}
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, BatchFailure{Index: i, Error: err.Error()})
			continue
		}
		if err := apply(ctx, item); err != nil {
			res.Failed = append(res.Failed, BatchFailure{Index: i, Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, i)
	}
	return res
}
