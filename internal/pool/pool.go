package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/voicepool/internal/daily"
	"github.com/p-arndt/voicepool/internal/metrics"
)

var (
	ErrExhausted = errors.New("no available rooms")
	ErrClosed    = errors.New("pool closed")
)

type Options struct {
	TargetSize       int
	ReplenishWorkers int
	ReplenishQueue   int
	TopUpInterval    time.Duration // 0 disables the periodic top-up
	OnDemand         bool          // provision synchronously when the buffer is empty
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size     int `json:"size"`
	Target   int `json:"target"`
	InFlight int `json:"in_flight"`
}

// Pool keeps a FIFO buffer of ready rooms. A room handed out by Acquire leaves
// the pool for good; every successful Acquire schedules one replacement.
type Pool struct {
	prov   Provisioner
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	buf      []*daily.Room
	inFlight int // replenish attempts counted toward the target
	closed   bool

	queue    chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	running  bool
	stopOnce sync.Once
}

func New(prov Provisioner, opts Options, logger *slog.Logger) *Pool {
	if opts.ReplenishWorkers < 1 {
		opts.ReplenishWorkers = 1
	}
	if opts.ReplenishQueue < 1 {
		opts.ReplenishQueue = 1
	}
	if opts.TargetSize < 0 {
		opts.TargetSize = 0
	}
	return &Pool{
		prov:   prov,
		opts:   opts,
		logger: logger,
		queue:  make(chan struct{}, opts.ReplenishQueue),
		stopCh: make(chan struct{}),
	}
}

// Start launches the replenish workers and the periodic top-up loop.
func (p *Pool) Start() {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.logger.Info("starting room pool", "target", p.opts.TargetSize, "workers", p.opts.ReplenishWorkers)

	// Replenishment must not be cut short by request or signal contexts: a room
	// created half-way would be orphaned.
	ctx := context.Background()
	for i := 0; i < p.opts.ReplenishWorkers; i++ {
		p.wg.Add(1)
		go p.replenishWorker(ctx)
	}
	if p.opts.TopUpInterval > 0 {
		p.wg.Add(1)
		go p.topUpLoop()
	}
}

// Stop shuts down the background workers and waits for in-flight
// replenishment to finish. Buffered rooms stay put until Drain.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	p.startMu.Lock()
	p.running = false
	p.startMu.Unlock()
}

// Fill provisions n rooms concurrently and waits for all of them. Individual
// failures are logged; the number of rooms added is returned.
func (p *Pool) Fill(ctx context.Context, n int) int {
	if n <= 0 {
		return 0
	}
	p.logger.Info("filling room pool", "count", n)

	added := make([]bool, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			added[i] = p.addOne(ctx)
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, ok := range added {
		if ok {
			count++
		}
	}
	p.logger.Info("room pool filled", "added", count, "size", p.Len())
	return count
}

// addOne provisions a room and appends it to the buffer. Nothing is buffered
// unless the room carries both tokens.
func (p *Pool) addOne(ctx context.Context) bool {
	room, err := p.prov.Provision(ctx)
	metrics.IncProvision(err == nil)
	if err != nil {
		p.logger.Error("add room to pool", "error", err)
		return false
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(room, "pool-closed")
		return false
	}
	p.buf = append(p.buf, room)
	size := len(p.buf)
	p.mu.Unlock()

	metrics.SetPoolSize(size)
	p.logger.Debug("room added to pool", "room_url", room.URL, "size", size)
	return true
}

// Acquire hands out the oldest buffered room. When the buffer is empty and
// on-demand creation is enabled, one room is provisioned synchronously and
// handed straight to the caller.
func (p *Pool) Acquire(ctx context.Context) (*daily.Room, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if len(p.buf) > 0 {
		room := p.buf[0]
		p.buf[0] = nil
		p.buf = p.buf[1:]
		remaining := len(p.buf)
		p.mu.Unlock()

		metrics.SetPoolSize(remaining)
		metrics.IncAcquire("pool")
		p.logger.Info("retrieved room from pool", "room_url", room.URL, "remaining", remaining)
		p.scheduleReplenish()
		return room, nil
	}
	p.mu.Unlock()

	if !p.opts.OnDemand {
		metrics.IncAcquire("exhausted")
		return nil, ErrExhausted
	}

	p.logger.Warn("room pool empty, creating room on demand")
	room, err := p.prov.Provision(ctx)
	metrics.IncProvision(err == nil)
	if err != nil {
		metrics.IncAcquire("exhausted")
		return nil, fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	metrics.IncAcquire("on_demand")
	p.scheduleReplenish()
	return room, nil
}

// scheduleReplenish queues one replenish request without blocking.
func (p *Pool) scheduleReplenish() {
	select {
	case p.queue <- struct{}{}:
	default:
		metrics.IncReplenishDropped()
		p.logger.Warn("replenish queue full, dropping request")
	}
}

func (p *Pool) replenishWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.queue:
			p.replenish(ctx)
		}
	}
}

// replenish adds one room if the buffer plus in-flight work is below target.
func (p *Pool) replenish(ctx context.Context) {
	p.mu.Lock()
	if p.closed || len(p.buf)+p.inFlight >= p.opts.TargetSize {
		p.mu.Unlock()
		return
	}
	p.inFlight++
	p.mu.Unlock()

	room, err := p.prov.Provision(ctx)
	metrics.IncProvision(err == nil)

	p.mu.Lock()
	p.inFlight--
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("replenish room pool", "error", err)
		return
	}
	if p.closed || len(p.buf) >= p.opts.TargetSize {
		p.mu.Unlock()
		p.destroy(room, "pool-excess")
		return
	}
	p.buf = append(p.buf, room)
	size := len(p.buf)
	p.mu.Unlock()

	metrics.SetPoolSize(size)
	p.logger.Debug("replenished room pool", "room_url", room.URL, "size", size)
}

// topUpLoop restores the target after provisioning outages that swallowed
// earlier replenish requests.
func (p *Pool) topUpLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.TopUpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.topUp()
		}
	}
}

func (p *Pool) topUp() {
	p.mu.Lock()
	needed := p.opts.TargetSize - len(p.buf) - p.inFlight
	p.mu.Unlock()
	if needed <= 0 {
		return
	}
	p.logger.Info("topping up room pool", "creating", needed)
	for i := 0; i < needed; i++ {
		p.scheduleReplenish()
	}
}

// Drain deletes every buffered room concurrently and closes the pool. It
// returns the number of rooms that were buffered.
func (p *Pool) Drain(ctx context.Context) int {
	p.mu.Lock()
	rooms := p.buf
	p.buf = nil
	p.closed = true
	p.mu.Unlock()
	metrics.SetPoolSize(0)

	p.logger.Info("cleaning up rooms in pool", "count", len(rooms))
	var g errgroup.Group
	for _, room := range rooms {
		g.Go(func() error {
			p.destroyCtx(ctx, room, "drain")
			return nil
		})
	}
	_ = g.Wait()
	p.logger.Info("room pool cleanup complete")
	return len(rooms)
}

// Len returns the number of buffered rooms.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: len(p.buf), Target: p.opts.TargetSize, InFlight: p.inFlight}
}

func (p *Pool) destroy(room *daily.Room, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.destroyCtx(ctx, room, reason)
}

func (p *Pool) destroyCtx(ctx context.Context, room *daily.Room, reason string) {
	err := p.prov.DeleteRoom(ctx, room.URL)
	metrics.IncRoomDelete(reason, err)
	if err != nil {
		p.logger.Error("delete pooled room", "room_url", room.URL, "reason", reason, "error", err)
		return
	}
	p.logger.Debug("deleted pooled room", "room_url", room.URL, "reason", reason)
}
