package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"planlock/internal/canonical"
	"planlock/internal/domain"
)

func TestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}
	payload := map[string]any{"op": "solve", "scenario": "sc-1"}

	first, replayed, err := env.Engine.RunIdempotent(env.Ctx, testTenant, "key-1", payload, fn)
	if err != nil || replayed {
		t.Fatalf("first run: %v replayed=%v", err, replayed)
	}
	second, replayed, err := env.Engine.RunIdempotent(env.Ctx, testTenant, "key-1", payload, fn)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed {
		t.Fatal("expected replay flag")
	}
	if string(first) != string(second) {
		t.Fatalf("replay returned a different body: %s vs %s", first, second)
	}
	if calls != 1 {
		t.Fatalf("fn ran %d times", calls)
	}
}

func TestIdempotentKeyReuseWithDifferentPayload(t *testing.T) {
	env := newTestEnv(t)
	fn := func(ctx context.Context) (any, error) { return "ok", nil }
	if _, _, err := env.Engine.RunIdempotent(env.Ctx, testTenant, "key-1", map[string]any{"a": 1}, fn); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.RunIdempotent(env.Ctx, testTenant, "key-1", map[string]any{"a": 2}, fn)
	if !domain.IsCode(err, domain.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestIdempotentInFlightConflicts(t *testing.T) {
	env := newTestEnv(t)
	// A crashed or still-running first attempt leaves a RUNNING claim.
	payload := map[string]any{"a": 1}
	fingerprint, err := canonical.Hash(payload)
	if err != nil {
		t.Fatal(err)
	}
	now := env.Engine.Now()
	_, _, err = env.Engine.Repo.BeginIdempotent(env.Ctx, domain.IdempotencyRecord{
		TenantID:    testTenant,
		Key:         "key-1",
		Fingerprint: fingerprint,
		Status:      domain.IdemRunning,
		CreatedAt:   now.UTC().Format(time.RFC3339),
		ExpiresAt:   now.UTC().Add(time.Hour).Format(time.RFC3339),
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.RunIdempotent(env.Ctx, testTenant, "key-1", payload, func(ctx context.Context) (any, error) {
		t.Fatal("fn must not run while the key is in flight")
		return nil, nil
	})
	if !domain.IsCode(err, domain.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestIdempotentFailureFreesKey(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("downstream unavailable")
	calls := 0
	_, _, err := env.Engine.RunIdempotent(env.Ctx, testTenant, "key-1", map[string]any{"a": 1}, func(ctx context.Context) (any, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	out, replayed, err := env.Engine.RunIdempotent(env.Ctx, testTenant, "key-1", map[string]any{"a": 1}, func(ctx context.Context) (any, error) {
		calls++
		return "recovered", nil
	})
	if err != nil || replayed {
		t.Fatalf("retry after failure: %v replayed=%v", err, replayed)
	}
	if string(out) != `"recovered"` || calls != 2 {
		t.Fatalf("retry did not run: %s calls=%d", out, calls)
	}
}

func TestIdempotentEmptyKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return calls, nil
	}
	for _, key := range []string{"", "   "} {
		if _, _, err := env.Engine.RunIdempotent(env.Ctx, testTenant, key, nil, fn); !domain.IsCode(err, domain.CodeValidation) {
			t.Fatalf("key %q: expected VALIDATION, got %v", key, err)
		}
	}
	if calls != 0 {
		t.Fatalf("fn must never run without a key, ran %d times", calls)
	}
}

func TestIdempotentKeyExpires(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]any{"a": 1}
	fn := func(ctx context.Context) (any, error) { return env.Engine.Now().Unix(), nil }
	first, _, err := env.Engine.RunIdempotent(env.Ctx, testTenant, "key-1", payload, fn)
	if err != nil {
		t.Fatal(err)
	}
	env.advance(env.Engine.Config.IdempotencyTTL() + time.Minute)
	second, replayed, err := env.Engine.RunIdempotent(env.Ctx, testTenant, "key-1", payload, fn)
	if err != nil {
		t.Fatal(err)
	}
	if replayed || string(first) == string(second) {
		t.Fatalf("expired key must rerun: replayed=%v first=%s second=%s", replayed, first, second)
	}
}
