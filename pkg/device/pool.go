package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultOfflineGrace     = 5 * time.Minute
	defaultNotifyBufferSize = 256
)

// Provider returns the set of currently connected device serials.
type Provider interface {
	ListDevices(ctx context.Context) ([]string, error)
}

// PropertyFetcher is an optional Provider capability used once per new device.
type PropertyFetcher interface {
	FetchProperties(ctx context.Context, serial string) (Properties, error)
}

// PoolConfig controls Pool behavior.
type PoolConfig struct {
	Provider Provider
	// NullDevices is the number of placeholder devices to register.
	NullDevices int
	// OfflineGrace is how long an idle missing device is kept before deletion.
	OfflineGrace time.Duration
	// NotifyBufferSize bounds the queue of pending observer notifications.
	NotifyBufferSize int
	Observers        []Observer
}

// Pool tracks known devices and serves allocation requests.
type Pool struct {
	cfg      PoolConfig
	provider Provider
	notifier *notifier

	mu        sync.Mutex
	cond      *sync.Cond
	signalSeq uint64
	waiters   int
	closed    bool
	devices   map[string]*Device
	order     []string
}

// NewPool builds a pool with the given configuration.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = defaultOfflineGrace
	}
	if cfg.NotifyBufferSize <= 0 {
		cfg.NotifyBufferSize = defaultNotifyBufferSize
	}
	p := &Pool{
		cfg:      cfg,
		provider: cfg.Provider,
		devices:  make(map[string]*Device),
		notifier: newNotifier(cfg.NotifyBufferSize, cfg.Observers),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < cfg.NullDevices; i++ {
		p.addLocked(fmt.Sprintf("null-device-%d", i), Properties{}, true, time.Now())
	}
	return p
}

// AddObserver registers an observer for state transitions.
func (p *Pool) AddObserver(o Observer) {
	p.notifier.add(o)
}

// AddDevice registers (or revives) a device with known properties.
func (p *Pool) AddDevice(serial string, props Properties) *Device {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if dev, ok := p.devices[serial]; ok {
		dev.props = props
		p.reviveLocked(dev, now)
		return dev
	}
	return p.addLocked(serial, props, false, now)
}

func (p *Pool) addLocked(serial string, props Properties, stub bool, now time.Time) *Device {
	dev := &Device{
		serial:   serial,
		props:    props,
		stub:     stub,
		pool:     p,
		state:    StateAvailable,
		lastSeen: now,
	}
	p.devices[serial] = dev
	p.order = append(p.order, serial)
	p.transitionLocked(dev, "", StateAvailable)
	log.Info().Str("serial", serial).Bool("stub", stub).Msg("device connected")
	return dev
}

func (p *Pool) reviveLocked(dev *Device, now time.Time) {
	dev.lastSeen = now
	if dev.removeOnFree {
		// still held by the invocation that lost it; it is removed on Free
		// and rediscovered as a new device on the next refresh
		return
	}
	if dev.state == StateUnavailable {
		p.transitionLocked(dev, StateUnavailable, StateAvailable)
		log.Info().Str("serial", dev.serial).Msg("device reconnected")
	}
}

// Allocate claims one device matching criteria, blocking until one is free,
// the timeout elapses or ctx is done. timeout < 0 waits for ctx only and
// timeout == 0 makes a single attempt.
func (p *Pool) Allocate(ctx context.Context, criteria Criteria, timeout time.Duration) (*Device, error) {
	devs, err := p.AllocateAll(ctx, []Criteria{criteria}, timeout)
	if err != nil {
		return nil, err
	}
	return devs[0], nil
}

// AllocateAll atomically claims one device per criteria: either all are claimed or none.
func (p *Pool) AllocateAll(ctx context.Context, criteria []Criteria, timeout time.Duration) ([]*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(criteria) == 0 {
		return nil, errors.New("allocate: no device criteria")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if devs := p.claimLocked(criteria); devs != nil {
			return devs, nil
		}
		if timeout == 0 {
			return nil, ErrAllocationTimeout
		}
		if err := p.waitForSignalLocked(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrAllocationTimeout
			}
			return nil, err
		}
	}
}

func (p *Pool) claimLocked(criteria []Criteria) []*Device {
	picked := make([]*Device, 0, len(criteria))
	taken := make(map[string]struct{}, len(criteria))
	for _, c := range criteria {
		var match *Device
		for _, serial := range p.order {
			dev := p.devices[serial]
			if dev == nil || dev.state != StateAvailable {
				continue
			}
			if _, ok := taken[serial]; ok {
				continue
			}
			if c.Matches(dev) {
				match = dev
				break
			}
		}
		if match == nil {
			return nil
		}
		taken[match.serial] = struct{}{}
		picked = append(picked, match)
	}
	now := time.Now()
	for _, dev := range picked {
		dev.allocatedAt = now
		p.transitionLocked(dev, StateAvailable, StateAllocated)
	}
	return picked
}

func (p *Pool) waitForSignalLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.waiters++
	seq := p.signalSeq
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.signalSeq++
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer func() {
		stop()
		p.waiters--
	}()
	for seq == p.signalSeq && ctx.Err() == nil && !p.closed {
		p.cond.Wait()
	}
	return ctx.Err()
}

func (p *Pool) signalWaitersLocked() {
	if p.waiters == 0 {
		return
	}
	p.signalSeq++
	p.cond.Broadcast()
}

// Free returns a device to the pool. Freeing an already free or unknown device is a no-op.
func (p *Pool) Free(dev *Device, end FreeState) {
	if dev == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.devices[dev.serial]
	if !ok || current != dev {
		return
	}
	if dev.state != StateAllocated {
		if dev.state == StateUnavailable && dev.removeOnFree {
			p.removeLocked(dev)
		}
		return
	}
	if dev.removeOnFree {
		p.transitionLocked(dev, StateAllocated, StateUnavailable)
		p.removeLocked(dev)
		return
	}
	switch end {
	case FreeUnavailable:
		if dev.stub {
			p.transitionLocked(dev, StateAllocated, StateAvailable)
		} else {
			p.transitionLocked(dev, StateAllocated, StateUnavailable)
		}
	case FreeIgnore:
		p.transitionLocked(dev, StateAllocated, StateIgnored)
	default:
		p.transitionLocked(dev, StateAllocated, StateAvailable)
	}
}

// MarkUnavailable flags a device as lost. A held device stays tracked until
// its holder frees it.
func (p *Pool) MarkUnavailable(serial string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[strings.TrimSpace(serial)]
	if !ok || dev.stub {
		return
	}
	p.markLostLocked(dev)
}

func (p *Pool) markLostLocked(dev *Device) {
	switch dev.state {
	case StateAllocated:
		dev.removeOnFree = true
		p.transitionLocked(dev, StateAllocated, StateUnavailable)
		log.Warn().Str("serial", dev.serial).Msg("device disconnected during invocation, will remove after release")
	case StateAvailable, StateIgnored:
		p.transitionLocked(dev, dev.state, StateUnavailable)
	}
}

// Refresh pulls the connected device set from the provider and reconciles states.
func (p *Pool) Refresh(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	serials, err := p.provider.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}
	now := time.Now()
	seen := make(map[string]struct{}, len(serials))
	fresh := make([]string, 0)

	p.mu.Lock()
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		seen[serial] = struct{}{}
		if dev, ok := p.devices[serial]; ok {
			p.reviveLocked(dev, now)
			continue
		}
		fresh = append(fresh, serial)
	}
	for _, serial := range append([]string(nil), p.order...) {
		dev := p.devices[serial]
		if dev == nil || dev.stub {
			continue
		}
		if _, ok := seen[serial]; ok {
			continue
		}
		if dev.state != StateUnavailable {
			p.markLostLocked(dev)
			continue
		}
		if !dev.removeOnFree && now.Sub(dev.lastSeen) >= p.cfg.OfflineGrace {
			p.removeLocked(dev)
		}
	}
	p.mu.Unlock()

	// property fetch may hit the device transport; keep it outside the lock
	fetcher, _ := p.provider.(PropertyFetcher)
	for _, serial := range fresh {
		props := Properties{}
		if fetcher != nil {
			fetched, err := fetcher.FetchProperties(ctx, serial)
			if err != nil {
				log.Warn().Err(err).Str("serial", serial).Msg("fetch device properties failed")
			} else {
				props = fetched
			}
		}
		p.AddDevice(serial, props)
	}
	return nil
}

func (p *Pool) removeLocked(dev *Device) {
	delete(p.devices, dev.serial)
	for i, serial := range p.order {
		if serial == dev.serial {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.notifier.publish(StateChange{Serial: dev.serial, From: dev.state, To: dev.state, Removed: true, At: time.Now()})
	log.Info().Str("serial", dev.serial).Msg("device removed from pool")
}

func (p *Pool) transitionLocked(dev *Device, from, to AllocationState) {
	dev.state = to
	if to == StateAvailable {
		p.signalWaitersLocked()
	}
	p.notifier.publish(StateChange{
		Serial: dev.serial,
		Stub:   dev.stub,
		From:   from,
		To:     to,
		Props:  dev.props,
		At:     time.Now(),
	})
}

// Info is a point-in-time view of a device.
type Info struct {
	Serial      string
	State       AllocationState
	Stub        bool
	Properties  Properties
	AllocatedAt time.Time
	LastSeen    time.Time
}

// Snapshot returns all known devices sorted by serial.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.devices))
	for _, dev := range p.devices {
		info := Info{
			Serial:     dev.serial,
			State:      dev.state,
			Stub:       dev.stub,
			Properties: dev.props,
			LastSeen:   dev.lastSeen,
		}
		if dev.state == StateAllocated {
			info.AllocatedAt = dev.allocatedAt
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// Counts returns the number of devices per state.
func (p *Pool) Counts() map[AllocationState]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[AllocationState]int, 4)
	for _, dev := range p.devices {
		counts[dev.state]++
	}
	return counts
}

// Close wakes every waiter with ErrPoolClosed and stops observer delivery.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.signalSeq++
	p.cond.Broadcast()
	p.mu.Unlock()
	p.notifier.close()
}
