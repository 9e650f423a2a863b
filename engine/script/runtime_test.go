package script

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func run(t *testing.T, source string, input any) *Result {
	t.Helper()
	runtime := NewGojaRuntime()
	result, err := runtime.Run(context.Background(), "test", source, input, time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func contextOf(t *testing.T, result *Result) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(result.Context, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestReturnValue(t *testing.T) {
	result := run(t, `1 + 2`, map[string]any{})
	if string(result.ReturnValue) != "3" {
		t.Fatalf("unexpected return value: %s", result.ReturnValue)
	}
}

func TestLogCollectsLines(t *testing.T) {
	result := run(t, `log("hello"); log(42);`, map[string]any{"logs": []any{}})
	ctx := contextOf(t, result)
	logs := ctx["logs"].([]any)
	if len(logs) != 2 || logs[0] != "hello" || logs[1] != "42" {
		t.Fatalf("unexpected logs: %v", logs)
	}
}

func TestSendMessageAppendsToOutbox(t *testing.T) {
	result := run(t, `sendMessage("device", { merge: { foo: "bar" } });`, map[string]any{"outbox": []any{}})
	ctx := contextOf(t, result)
	outbox := ctx["outbox"].([]any)
	if len(outbox) != 1 {
		t.Fatalf("unexpected outbox: %v", outbox)
	}
	entry := outbox[0].(map[string]any)
	if entry["thing"] != "device" {
		t.Fatalf("unexpected target: %v", entry)
	}
}

func TestScriptMutatesNewState(t *testing.T) {
	input := map[string]any{
		"newState": map[string]any{"metadata": map[string]any{"name": "t1"}},
		"action":   "changed",
	}
	result := run(t, `context.newState.metadata.annotations = { test: "true" };`, input)
	ctx := contextOf(t, result)
	meta := ctx["newState"].(map[string]any)["metadata"].(map[string]any)
	annotations := meta["annotations"].(map[string]any)
	if annotations["test"] != "true" {
		t.Fatalf("mutation lost: %v", annotations)
	}
	if ctx["action"] != "changed" {
		t.Fatalf("action lost: %v", ctx["action"])
	}
}

func TestDeadlineAbortsExecution(t *testing.T) {
	runtime := NewGojaRuntime()
	start := time.Now()
	_, err := runtime.Run(context.Background(), "spin", `for (;;) {}`, map[string]any{}, time.Now().Add(50*time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected a timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("deadline was not enforced promptly")
	}
}

func TestExpiredDeadlineFailsImmediately(t *testing.T) {
	runtime := NewGojaRuntime()
	_, err := runtime.Run(context.Background(), "late", `1`, map[string]any{}, time.Now().Add(-time.Second))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected a timeout, got %v", err)
	}
}

func TestScriptErrorSurfaces(t *testing.T) {
	runtime := NewGojaRuntime()
	_, err := runtime.Run(context.Background(), "boom", `throw new Error("boom")`, map[string]any{}, time.Now().Add(time.Second))
	var scriptErr *ScriptError
	if !errors.As(err, &scriptErr) {
		t.Fatalf("expected a script error, got %v", err)
	}
}

func TestSyntaxErrorSurfaces(t *testing.T) {
	runtime := NewGojaRuntime()
	_, err := runtime.Run(context.Background(), "bad", `function (`, map[string]any{}, time.Now().Add(time.Second))
	var scriptErr *ScriptError
	if !errors.As(err, &scriptErr) {
		t.Fatalf("expected a script error, got %v", err)
	}
}

func TestCancellationAbortsExecution(t *testing.T) {
	runtime := NewGojaRuntime()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := runtime.Run(ctx, "spin", `for (;;) {}`, map[string]any{}, time.Now().Add(time.Minute))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestCallsAreIndependent(t *testing.T) {
	runtime := NewGojaRuntime()
	deadline := time.Now().Add(time.Second)

	if _, err := runtime.Run(context.Background(), "a", `globalThis.leak = 1;`, map[string]any{}, deadline); err != nil {
		t.Fatal(err)
	}
	result, err := runtime.Run(context.Background(), "b", `typeof leak`, map[string]any{}, deadline)
	if err != nil {
		t.Fatal(err)
	}
	if string(result.ReturnValue) != `"undefined"` {
		t.Fatalf("state leaked between calls: %s", result.ReturnValue)
	}
}
