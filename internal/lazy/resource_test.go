package lazy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetd/internal/capability"
	"fleetd/internal/events"
	"fleetd/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeModel struct {
	closed   atomic.Bool
	cleared  atomic.Int32
	gate     chan struct{} // when non-nil, Infer blocks until closed
	entered  chan struct{}
	inferErr error
}

func (m *fakeModel) Infer(ctx context.Context, req types.InferRequest) (json.RawMessage, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.gate != nil {
		<-m.gate
	}
	if m.closed.Load() {
		return nil, errors.New("use after close")
	}
	if m.inferErr != nil {
		return nil, m.inferErr
	}
	return json.RawMessage(`{"boxes":[]}`), nil
}

func (m *fakeModel) Close() error { m.closed.Store(true); return nil }

func (m *fakeModel) ReleaseCaches() { m.cleared.Add(1) }

type countingLoader struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	last  atomic.Pointer[fakeModel]
	build func() *fakeModel
}

func (l *countingLoader) Load(ctx context.Context) (capability.Model, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.err != nil {
		return nil, l.err
	}
	m := &fakeModel{}
	if l.build != nil {
		m = l.build()
	}
	l.last.Store(m)
	return m, nil
}

func newResource(l *countingLoader, clock *fakeClock, idle time.Duration) *Resource {
	return New(Config{Model: "yolo", IdleTimeout: idle, Load: l.Load, Now: clock.Now})
}

func TestResource_StartsUnloaded(t *testing.T) {
	l := &countingLoader{}
	r := newResource(l, newClock(), 5*time.Second)
	if r.Snapshot().State != Unloaded || r.IsLoaded() {
		t.Fatalf("new resource should be unloaded")
	}
	if l.calls.Load() != 0 {
		t.Fatalf("loader must not run before first use")
	}
}

func TestResource_ConcurrentInvokeLoadsOnce(t *testing.T) {
	l := &countingLoader{delay: 50 * time.Millisecond}
	r := newResource(l, newClock(), time.Minute)
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Invoke(context.Background(), types.InferRequest{ImageBase64: "x"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("invoke: %v", err)
	}
	if n := l.calls.Load(); n != 1 {
		t.Fatalf("expected exactly one load, got %d", n)
	}
	if s := r.Snapshot(); s.State != Loaded || s.Loads != 1 || s.Inflight != 0 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestResource_IdleEvictionScenario(t *testing.T) {
	clock := newClock()
	l := &countingLoader{}
	r := newResource(l, clock, 5*time.Second)

	if _, err := r.Invoke(context.Background(), types.InferRequest{}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	first := l.last.Load()

	clock.Advance(3 * time.Second)
	if r.Sweep(clock.Now()) {
		t.Fatalf("must not unload before idle timeout")
	}
	clock.Advance(3 * time.Second) // t=6
	if !r.Sweep(clock.Now()) {
		t.Fatalf("expected unload at t=6 with 5s idle timeout")
	}
	if r.IsLoaded() || !first.closed.Load() {
		t.Fatalf("runtime not released")
	}
	if first.cleared.Load() != 1 {
		t.Fatalf("accelerator caches not released")
	}
	if r.Sweep(clock.Now()) {
		t.Fatalf("sweep on unloaded resource must be a no-op")
	}

	if _, err := r.Invoke(context.Background(), types.InferRequest{}); err != nil {
		t.Fatalf("invoke after eviction: %v", err)
	}
	if l.calls.Load() != 2 {
		t.Fatalf("expected reload after eviction, got %d loads", l.calls.Load())
	}
	if s := r.Snapshot(); s.Unloads != 1 || s.Loads != 2 {
		t.Fatalf("unexpected counters: %+v", s)
	}
}

func TestResource_ExactIdleBoundaryKeepsLoaded(t *testing.T) {
	clock := newClock()
	r := newResource(&countingLoader{}, clock, 5*time.Second)
	if err := r.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	clock.Advance(5 * time.Second)
	if r.Sweep(clock.Now()) {
		t.Fatalf("idle equal to timeout must not unload")
	}
}

func TestResource_ZeroIdleTimeoutNeverEvicts(t *testing.T) {
	clock := newClock()
	r := newResource(&countingLoader{}, clock, 0)
	if err := r.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	clock.Advance(time.Hour)
	if r.Sweep(clock.Now()) {
		t.Fatalf("zero idle timeout should disable eviction")
	}
}

func TestResource_InflightBlocksEviction(t *testing.T) {
	clock := newClock()
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	l := &countingLoader{build: func() *fakeModel { return &fakeModel{gate: gate, entered: entered} }}
	r := newResource(l, clock, 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), types.InferRequest{})
		done <- err
	}()
	<-entered

	clock.Advance(time.Minute)
	if r.Sweep(clock.Now()) {
		t.Fatalf("sweep must not evict while a call is in flight")
	}

	released := make(chan error, 1)
	go func() { released <- r.Release(ReasonExplicit) }()
	select {
	case <-released:
		t.Fatalf("release returned while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("in-flight call failed: %v", err)
	}
	if err := <-released; err != nil {
		t.Fatalf("release: %v", err)
	}
	if r.IsLoaded() || !l.last.Load().closed.Load() {
		t.Fatalf("runtime not released after drain")
	}
}

func TestResource_LoadFailureReturnsToUnloaded(t *testing.T) {
	cause := errors.New("weights missing")
	l := &countingLoader{err: cause}
	r := newResource(l, newClock(), time.Minute)
	_, err := r.Invoke(context.Background(), types.InferRequest{})
	if !IsResourceLoadError(err) || !errors.Is(err, cause) {
		t.Fatalf("expected ResourceLoadError wrapping cause, got %v", err)
	}
	var le *ResourceLoadError
	if !errors.As(err, &le) || le.Model != "yolo" {
		t.Fatalf("model not recorded: %v", err)
	}
	s := r.Snapshot()
	if s.State != Unloaded || s.LastError == "" {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	l.err = nil
	if err := r.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestResource_LoaderPanicIsLoadError(t *testing.T) {
	r := New(Config{Model: "p", Load: func(context.Context) (capability.Model, error) { panic("bad weights") }})
	if err := r.EnsureLoaded(context.Background()); !IsResourceLoadError(err) {
		t.Fatalf("expected load error from panic, got %v", err)
	}
	if r.Snapshot().State != Unloaded {
		t.Fatalf("state must return to unloaded after panic")
	}
}

func TestResource_InferenceErrorWrapped(t *testing.T) {
	cause := errors.New("bad image")
	l := &countingLoader{build: func() *fakeModel { return &fakeModel{inferErr: cause} }}
	r := newResource(l, newClock(), time.Minute)
	_, err := r.Invoke(context.Background(), types.InferRequest{})
	if !IsInferenceError(err) || !errors.Is(err, cause) || IsResourceLoadError(err) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
	if !r.IsLoaded() {
		t.Fatalf("inference failure must not unload")
	}
}

func TestResource_BrokenRuntimeReloadsOnNextCall(t *testing.T) {
	pub := events.NewMemory()
	l := &countingLoader{}
	l.build = func() *fakeModel {
		if l.calls.Load() == 1 {
			return &fakeModel{inferErr: fmt.Errorf("%w: runtime process exited", capability.ErrBroken)}
		}
		return &fakeModel{}
	}
	r := New(Config{Model: "yolo", IdleTimeout: time.Minute, Load: l.Load, Now: newClock().Now, Publisher: pub})

	_, err := r.Invoke(context.Background(), types.InferRequest{})
	if !IsInferenceError(err) || !errors.Is(err, capability.ErrBroken) {
		t.Fatalf("expected broken InferenceError, got %v", err)
	}
	first := l.last.Load()
	if s := r.Snapshot(); s.State != Unloaded || s.Unloads != 1 || !first.closed.Load() {
		t.Fatalf("broken runtime not released: %+v", s)
	}
	if un := pub.Named("unloaded"); len(un) != 1 || un[0].Fields["reason"] != ReasonBroken {
		t.Fatalf("unexpected unload events: %+v", un)
	}

	if _, err := r.Invoke(context.Background(), types.InferRequest{}); err != nil {
		t.Fatalf("invoke after reload: %v", err)
	}
	if n := l.calls.Load(); n != 2 {
		t.Fatalf("expected a second load, got %d", n)
	}
	if s := r.Snapshot(); s.State != Loaded || s.Loads != 2 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestResource_BrokenRuntimeWaitsForOtherCalls(t *testing.T) {
	l := &countingLoader{}
	gate := make(chan struct{})
	entered := make(chan struct{}, 2)
	l.build = func() *fakeModel {
		return &fakeModel{gate: gate, entered: entered, inferErr: fmt.Errorf("%w: gone", capability.ErrBroken)}
	}
	r := newResource(l, newClock(), time.Minute)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.Invoke(context.Background(), types.InferRequest{})
			errs <- err
		}()
	}
	<-entered
	<-entered
	close(gate)
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, capability.ErrBroken) {
			t.Fatalf("expected broken error, got %v", err)
		}
	}
	if s := r.Snapshot(); s.State != Unloaded || s.Unloads != 1 || s.Inflight != 0 {
		t.Fatalf("expected a single release after both calls: %+v", s)
	}
}

func TestResource_ReleaseWhenUnloadedIsNoop(t *testing.T) {
	pub := events.NewMemory()
	r := New(Config{Model: "x", Load: (&countingLoader{}).Load, Publisher: pub})
	if err := r.Release(ReasonExplicit); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(pub.Named("unloaded")) != 0 {
		t.Fatalf("no unload event expected")
	}
}

func TestResource_EventsAndExternalCacheReleaser(t *testing.T) {
	pub := events.NewMemory()
	var caches countingCaches
	r := New(Config{Model: "x", Load: (&countingLoader{}).Load, Publisher: pub, Caches: &caches})
	if err := r.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := r.Release(ReasonShutdown); err != nil {
		t.Fatalf("release: %v", err)
	}
	if caches.n.Load() != 1 {
		t.Fatalf("configured cache releaser not called")
	}
	un := pub.Named("unloaded")
	if len(pub.Named("loaded")) != 1 || len(un) != 1 || un[0].Fields["reason"] != ReasonShutdown {
		t.Fatalf("unexpected events: %+v", pub.Events())
	}
}

type countingCaches struct{ n atomic.Int32 }

func (c *countingCaches) ReleaseCaches() { c.n.Add(1) }

func TestResource_CancelledContextDoesNotLoad(t *testing.T) {
	l := &countingLoader{}
	r := newResource(l, newClock(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.EnsureLoaded(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if l.calls.Load() != 0 {
		t.Fatalf("loader ran with cancelled context")
	}
}

func TestResource_RunSweeperStopsOnCancel(t *testing.T) {
	clock := newClock()
	r := newResource(&countingLoader{}, clock, time.Second)
	if err := r.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	clock.Advance(2 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() { r.RunSweeper(ctx, 10*time.Millisecond); close(stopped) }()
	deadline := time.Now().Add(2 * time.Second)
	for r.IsLoaded() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-stopped
	if r.IsLoaded() {
		t.Fatalf("sweeper did not unload idle resource")
	}
}

func TestStateString(t *testing.T) {
	if Unloaded.String() != "unloaded" || Loading.String() != "loading" || Loaded.String() != "loaded" || State(9).String() != "state(9)" {
		t.Fatalf("unexpected state strings")
	}
}
