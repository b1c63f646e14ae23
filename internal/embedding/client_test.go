package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	batches [][]string
	embedFn func(call int, inputs []string) ([][]float32, error)
}

func (f *fakeProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.batches = append(f.batches, inputs)
	f.mu.Unlock()
	return f.embedFn(call, inputs)
}

// identityVectors returns a vector encoding each input's global index,
// parsed from inputs of the form "t<N>".
func identityVectors(inputs []string) [][]float32 {
	vecs := make([][]float32, len(inputs))
	for i, in := range inputs {
		var n int
		fmt.Sscanf(in, "t%d", &n)
		vecs[i] = []float32{float32(n)}
	}
	return vecs
}

func testGate() *Gate {
	return NewGate(1000, 1000)
}

func TestEmbedBatchPreservesOrderAcrossBatches(t *testing.T) {
	p := &fakeProvider{embedFn: func(_ int, inputs []string) ([][]float32, error) {
		return identityVectors(inputs), nil
	}}
	c := NewClient(p, "m", testGate(), Options{MaxBatch: 3})

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("t%d", i)
	}

	vecs, err := c.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 10 {
		t.Fatalf("len = %d, want 10", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vecs[%d] = %v, want index %d", i, v, i)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls != 4 {
		t.Errorf("provider calls = %d, want 4 batches of <=3", p.calls)
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	p := &fakeProvider{embedFn: func(int, []string) ([][]float32, error) {
		t.Fatal("provider must not be called")
		return nil, nil
	}}
	c := NewClient(p, "m", testGate(), Options{})

	vecs, err := c.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs != nil {
		t.Errorf("vecs = %v, want nil", vecs)
	}
}

func TestEmbedBatchRetriesTransientFailure(t *testing.T) {
	p := &fakeProvider{embedFn: func(call int, inputs []string) ([][]float32, error) {
		if call < 3 {
			return nil, errors.New("connection reset")
		}
		return identityVectors(inputs), nil
	}}
	c := NewClient(p, "m", testGate(), Options{MaxAttempts: 4, BaseDelay: time.Millisecond, Concurrency: 1})

	_, err := c.EmbedBatch(context.Background(), []string{"t0"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3", p.calls)
	}
}

func TestEmbedBatchExhaustsRetryBudget(t *testing.T) {
	p := &fakeProvider{embedFn: func(int, []string) ([][]float32, error) {
		return nil, errors.New("timeout")
	}}
	c := NewClient(p, "m", testGate(), Options{MaxAttempts: 3, BaseDelay: time.Millisecond})

	_, err := c.EmbedBatch(context.Background(), []string{"t0"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3", p.calls)
	}
}

func TestEmbedBatchPartialResponseIsWholeBatchFailure(t *testing.T) {
	p := &fakeProvider{embedFn: func(_ int, inputs []string) ([][]float32, error) {
		return [][]float32{{1}}, nil // one vector for two inputs
	}}
	c := NewClient(p, "m", testGate(), Options{MaxAttempts: 3})

	_, err := c.EmbedBatch(context.Background(), []string{"t0", "t1"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1 (contract violations are not retried)", p.calls)
	}
}

type rateLimitErr struct{ after time.Duration }

func (e *rateLimitErr) Error() string { return "429" }

func (e *rateLimitErr) RetryAfterDuration() time.Duration { return e.after }

func TestRateLimitTripsSharedGate(t *testing.T) {
	gate := testGate()

	var limited atomic.Bool
	limited.Store(true)
	p := &fakeProvider{embedFn: func(_ int, inputs []string) ([][]float32, error) {
		if limited.Load() {
			limited.Store(false)
			return nil, &rateLimitErr{after: 50 * time.Millisecond}
		}
		return identityVectors(inputs), nil
	}}
	c := NewClient(p, "m", gate, Options{MaxAttempts: 3, BaseDelay: time.Millisecond, Concurrency: 1})

	start := time.Now()
	_, err := c.EmbedBatch(context.Background(), []string{"t0"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("retry ran after %s, before the cool-down elapsed", elapsed)
	}
}

func TestGateWaitHonorsContext(t *testing.T) {
	gate := testGate()
	gate.Trip(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := gate.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestGateResetClearsCooldown(t *testing.T) {
	gate := testGate()
	gate.Trip(time.Hour)
	gate.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := gate.Wait(ctx); err != nil {
		t.Fatalf("Wait after Reset: %v", err)
	}
}
