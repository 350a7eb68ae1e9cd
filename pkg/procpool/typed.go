package procpool

import (
	"context"
	"fmt"
)

// CallTyped runs a compute task and unmarshals its result into TOut,
// sparing callers the hand-rolled json.Unmarshal the untyped Compute
// method leaves them with.
func CallTyped[TIn any, TOut any](ctx context.Context, p *Pool, moduleURL string, params TIn, timeoutMs int) (TOut, error) {
	var zero TOut

	task, err := NewComputeTask(moduleURL, params, timeoutMs)
	if err != nil {
		return zero, err
	}

	result, err := p.Compute(ctx, task)
	if err != nil {
		return zero, err
	}

	var out TOut
	if err := result.Unmarshal(&out); err != nil {
		return zero, fmt.Errorf("unmarshal compute result into %T: %w", out, err)
	}
	return out, nil
}

// TypedPool binds a Pool to a single moduleUrl and a fixed (TIn, TOut)
// pair, for callers that repeatedly invoke the same module.
type TypedPool[TIn any, TOut any] struct {
	pool      *Pool
	moduleURL string
}

// NewTypedPool wraps an already-started Pool for typed calls against a
// specific module.
func NewTypedPool[TIn any, TOut any](pool *Pool, moduleURL string) *TypedPool[TIn, TOut] {
	return &TypedPool[TIn, TOut]{pool: pool, moduleURL: moduleURL}
}

// Call invokes the bound module with params and timeoutMs.
func (tp *TypedPool[TIn, TOut]) Call(ctx context.Context, params TIn, timeoutMs int) (TOut, error) {
	return CallTyped[TIn, TOut](ctx, tp.pool, tp.moduleURL, params, timeoutMs)
}

// BatchCall runs Call for every entry in paramsList, short-circuiting on
// the first error. Results preserve input order.
func (tp *TypedPool[TIn, TOut]) BatchCall(ctx context.Context, paramsList []TIn, timeoutMs int) ([]TOut, error) {
	out := make([]TOut, len(paramsList))
	for i, params := range paramsList {
		result, err := tp.Call(ctx, params, timeoutMs)
		if err != nil {
			return nil, fmt.Errorf("batch call index %d: %w", i, err)
		}
		out[i] = result
	}
	return out, nil
}
