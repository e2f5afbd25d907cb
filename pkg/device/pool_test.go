package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubProvider struct {
	mu      sync.Mutex
	devices []string
	props   map[string]Properties
}

func (s *stubProvider) ListDevices(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

func (s *stubProvider) FetchProperties(ctx context.Context, serial string) (Properties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props[serial], nil
}

func (s *stubProvider) set(devices ...string) {
	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
}

func newTestPool(t *testing.T, serials ...string) *Pool {
	t.Helper()
	pool := NewPool(PoolConfig{})
	for _, serial := range serials {
		pool.AddDevice(serial, Properties{Product: "walleye"})
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestPoolAllocateExclusive(t *testing.T) {
	const k = 3
	pool := newTestPool(t, "dev-1", "dev-2", "dev-3")

	var (
		allocated int32
		maxSeen   int32
		holders   sync.Map
		wg        sync.WaitGroup
		failures  int32
	)
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				dev, err := pool.Allocate(context.Background(), Criteria{}, 2*time.Second)
				if err != nil {
					atomic.AddInt32(&failures, 1)
					return
				}
				if _, loaded := holders.LoadOrStore(dev.Serial(), struct{}{}); loaded {
					atomic.AddInt32(&failures, 1)
				}
				n := atomic.AddInt32(&allocated, 1)
				for {
					cur := atomic.LoadInt32(&maxSeen)
					if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt32(&allocated, -1)
				holders.Delete(dev.Serial())
				pool.Free(dev, FreeAvailable)
			}
		}()
	}
	wg.Wait()

	if failures != 0 {
		t.Fatalf("expected no double allocation or timeout, got %d failures", failures)
	}
	if maxSeen > k {
		t.Fatalf("more than %d devices allocated at once: %d", k, maxSeen)
	}
	if got := pool.Counts()[StateAvailable]; got != k {
		t.Fatalf("expected %d available devices after run, got %d", k, got)
	}
}

func TestPoolFreeIsIdempotent(t *testing.T) {
	pool := newTestPool(t, "dev-1", "dev-2")
	dev, err := pool.Allocate(context.Background(), Criteria{Serials: []string{"dev-1"}}, 0)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	pool.Free(dev, FreeAvailable)
	before := pool.Counts()
	pool.Free(dev, FreeAvailable)
	pool.Free(dev, FreeUnavailable)
	after := pool.Counts()
	if before[StateAvailable] != 2 || after[StateAvailable] != 2 {
		t.Fatalf("free changed accounting: before=%v after=%v", before, after)
	}
	if dev.State() != StateAvailable {
		t.Fatalf("expected available, got %s", dev.State())
	}
}

func TestPoolAllocateBlocksUntilFree(t *testing.T) {
	pool := newTestPool(t, "dev-1")
	first, err := pool.Allocate(context.Background(), Criteria{}, 0)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	got := make(chan *Device, 1)
	go func() {
		dev, err := pool.Allocate(context.Background(), Criteria{}, 5*time.Second)
		if err != nil {
			got <- nil
			return
		}
		got <- dev
	}()

	select {
	case <-got:
		t.Fatalf("second allocation should block while the device is held")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Free(first, FreeAvailable)
	select {
	case dev := <-got:
		if dev == nil || dev.Serial() != "dev-1" {
			t.Fatalf("expected dev-1 after free, got %v", dev)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not woken by free")
	}
}

func TestPoolAllocateTimeout(t *testing.T) {
	pool := newTestPool(t, "dev-1")
	start := time.Now()
	_, err := pool.Allocate(context.Background(), Criteria{Product: "sailfish"}, 30*time.Millisecond)
	if !errors.Is(err, ErrAllocationTimeout) {
		t.Fatalf("expected allocation timeout, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("allocation returned before timeout")
	}

	_, err = pool.Allocate(context.Background(), Criteria{Product: "sailfish"}, 0)
	if !errors.Is(err, ErrAllocationTimeout) {
		t.Fatalf("expected immediate timeout, got %v", err)
	}
}

func TestPoolAllocateRespectsContextCancel(t *testing.T) {
	pool := newTestPool(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := pool.Allocate(ctx, Criteria{}, -1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestPoolAllocateAllIsAtomic(t *testing.T) {
	pool := newTestPool(t, "dev-1")
	_, err := pool.AllocateAll(context.Background(), []Criteria{{}, {}}, 0)
	if !errors.Is(err, ErrAllocationTimeout) {
		t.Fatalf("expected timeout for two devices, got %v", err)
	}
	if got := pool.Counts()[StateAvailable]; got != 1 {
		t.Fatalf("partial allocation leaked, available=%d", got)
	}

	pool.AddDevice("dev-2", Properties{})
	devs, err := pool.AllocateAll(context.Background(), []Criteria{{}, {}}, 0)
	if err != nil {
		t.Fatalf("allocate all failed: %v", err)
	}
	if devs[0].Serial() == devs[1].Serial() {
		t.Fatalf("same device returned twice: %s", devs[0].Serial())
	}
}

func TestPoolNullDevices(t *testing.T) {
	pool := NewPool(PoolConfig{NullDevices: 2})
	defer pool.Close()

	if _, err := pool.Allocate(context.Background(), Criteria{}, 0); !errors.Is(err, ErrAllocationTimeout) {
		t.Fatalf("real device request must not match a null device, got %v", err)
	}
	dev, err := pool.Allocate(context.Background(), Criteria{NullDevice: true}, 0)
	if err != nil {
		t.Fatalf("null device allocation failed: %v", err)
	}
	if !dev.IsStub() {
		t.Fatalf("expected stub device")
	}
	pool.Free(dev, FreeUnavailable)
	if dev.State() != StateAvailable {
		t.Fatalf("null device should never become unavailable, got %s", dev.State())
	}
}

func TestPoolRefreshMarksHeldDeviceUnavailable(t *testing.T) {
	provider := &stubProvider{
		devices: []string{"dev-1", "dev-2"},
		props:   map[string]Properties{"dev-1": {Product: "walleye"}},
	}
	pool := NewPool(PoolConfig{Provider: provider})
	defer pool.Close()
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	dev, err := pool.Allocate(context.Background(), Criteria{Product: "walleye"}, 0)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if err := dev.CheckAvailable(); err != nil {
		t.Fatalf("held device should be available: %v", err)
	}

	provider.set("dev-2")
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	err = dev.CheckAvailable()
	if !IsNotAvailable(err) {
		t.Fatalf("expected device not available, got %v", err)
	}
	if LostSerial(err) != "dev-1" {
		t.Fatalf("expected lost serial dev-1, got %q", LostSerial(err))
	}

	pool.Free(dev, FreeAvailable)
	for _, info := range pool.Snapshot() {
		if info.Serial == "dev-1" {
			t.Fatalf("lost device should be removed after release")
		}
	}
}

func TestPoolRefreshRevivesDevice(t *testing.T) {
	provider := &stubProvider{devices: []string{"dev-1"}}
	pool := NewPool(PoolConfig{Provider: provider, OfflineGrace: time.Hour})
	defer pool.Close()
	_ = pool.Refresh(context.Background())

	provider.set()
	_ = pool.Refresh(context.Background())
	if got := pool.Counts()[StateUnavailable]; got != 1 {
		t.Fatalf("expected missing device unavailable, counts=%v", pool.Counts())
	}

	provider.set("dev-1")
	_ = pool.Refresh(context.Background())
	if got := pool.Counts()[StateAvailable]; got != 1 {
		t.Fatalf("expected device revived, counts=%v", pool.Counts())
	}
}

type blockingObserver struct {
	release chan struct{}
	seen    chan StateChange
}

func (o *blockingObserver) OnDeviceStateChange(change StateChange) {
	o.seen <- change
	<-o.release
}

func TestPoolObserverNeverBlocksAllocation(t *testing.T) {
	obs := &blockingObserver{release: make(chan struct{}), seen: make(chan StateChange, 1024)}
	pool := NewPool(PoolConfig{NotifyBufferSize: 2, Observers: []Observer{obs}})
	defer pool.Close()
	defer close(obs.release)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			dev := pool.AddDevice(fmt.Sprintf("dev-%d", i), Properties{})
			got, err := pool.Allocate(context.Background(), Criteria{Serials: []string{dev.Serial()}}, 0)
			if err != nil {
				return
			}
			pool.Free(got, FreeAvailable)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("allocation path blocked on a slow observer")
	}
	select {
	case change := <-obs.seen:
		if change.Serial == "" {
			t.Fatalf("unexpected empty notification")
		}
	case <-time.After(time.Second):
		t.Fatalf("observer never notified")
	}
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	pool := NewPool(PoolConfig{})
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Allocate(context.Background(), Criteria{}, -1)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	pool.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPoolClosed) {
			t.Fatalf("expected pool closed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not released on close")
	}
}

func TestPoolHeldDeviceReconnectStaysExclusive(t *testing.T) {
	provider := &stubProvider{devices: []string{"dev-1"}}
	pool := NewPool(PoolConfig{Provider: provider})
	defer pool.Close()
	ctx := context.Background()
	if err := pool.Refresh(ctx); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	first, err := pool.Allocate(ctx, Criteria{}, 0)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	provider.set()
	_ = pool.Refresh(ctx)
	provider.set("dev-1")
	_ = pool.Refresh(ctx)

	if second, err := pool.Allocate(ctx, Criteria{}, 0); !errors.Is(err, ErrAllocationTimeout) {
		t.Fatalf("held device allocated twice: first=%p second=%p err=%v", first, second, err)
	}
	if !IsNotAvailable(first.CheckAvailable()) {
		t.Fatalf("holder should still see the device as lost")
	}

	pool.Free(first, FreeUnavailable)
	if got := len(pool.Snapshot()); got != 0 {
		t.Fatalf("expected lost device removed on release, snapshot=%v", pool.Snapshot())
	}

	_ = pool.Refresh(ctx)
	next, err := pool.Allocate(ctx, Criteria{}, 0)
	if err != nil {
		t.Fatalf("expected reconnected device to be allocatable after release: %v", err)
	}
	if next == first {
		t.Fatalf("expected a fresh device handle after rediscovery")
	}
	if next.State() != StateAllocated || first.State() == StateAllocated {
		t.Fatalf("unexpected states: next=%s first=%s", next.State(), first.State())
	}
}
