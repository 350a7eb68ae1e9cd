package procpool

import (
	"context"
	"encoding/json"
	"testing"
)

func TestModuleRegistryLoadAndRegister(t *testing.T) {
	r := NewModuleRegistry()
	r.Register("builtin://echo", func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})

	mod, err := r.Load(context.Background(), "builtin://echo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer mod.Close()

	out, err := mod.Fn(context.Background(), json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("fn: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestModuleRegistryUnknownURL(t *testing.T) {
	r := NewModuleRegistry()
	if _, err := r.Load(context.Background(), "builtin://missing"); err == nil {
		t.Error("expected error for unregistered moduleUrl")
	}
}

func TestModuleRegistryConcurrentAccess(t *testing.T) {
	r := NewModuleRegistry()
	done := make(chan struct{})

	go func() {
		for i := 0; i < 100; i++ {
			r.Register("builtin://churn", func(_ context.Context, p json.RawMessage) (json.RawMessage, error) {
				return p, nil
			})
		}
		close(done)
	}()

	for i := 0; i < 100; i++ {
		_, _ = r.Load(context.Background(), "builtin://churn")
	}
	<-done
}
