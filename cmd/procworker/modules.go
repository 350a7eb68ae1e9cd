package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/procpool/procpool/pkg/procpool"
)

// registerBuiltinModules binds the moduleUrls this worker binary ships
// with. A production deployment would instead plug in a ModuleLoader
// backed by a real isolated runtime; these are the reference modules used
// by the end-to-end tests.
func registerBuiltinModules(r *procpool.ModuleRegistry) {
	r.Register("builtin://echo", echoModule)
	r.Register("builtin://sum", sumModule)
	r.Register("builtin://fail", failModule)
	r.Register("builtin://sleep", sleepModule)
	r.Register("builtin://crash", crashModule)
}

// echoModule returns params unchanged.
func echoModule(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}

// sumModule expects a JSON array of numbers and returns their sum.
func sumModule(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var nums []float64
	if err := json.Unmarshal(params, &nums); err != nil {
		return nil, &procpool.ModuleError{Name_: "InvalidParamsError", Message: err.Error(), Status_: 400}
	}
	var total float64
	for _, n := range nums {
		total += n
	}
	return json.Marshal(total)
}

// failModule always returns a user-visible error, for exercising the
// UserComputeError path end to end.
func failModule(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return nil, &procpool.ModuleError{Name_: "IntentionalFailure", Message: "this module always fails", Status_: 422}
}

// crashModule terminates the worker process immediately, for exercising
// the supervisor's crash-detection and replacement path. It never
// returns a response: the caller observes a WorkerCrashError.
func crashModule(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	os.Exit(1)
	return nil, nil
}

// sleepModule expects {"ms": int} and blocks for that long before
// returning, for exercising compute timeout and cancellation.
func sleepModule(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Ms int `json:"ms"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &procpool.ModuleError{Name_: "InvalidParamsError", Message: err.Error(), Status_: 400}
	}

	timer := time.NewTimer(time.Duration(req.Ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return json.Marshal(map[string]bool{"slept": true})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
