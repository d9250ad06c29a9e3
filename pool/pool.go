// Package pool implements spec §4.C, the Connection Pool: it owns N
// transports, assigns their connection ids, aggregates their events onto
// a pool-wide bus, and provides bulk connect_all/disconnect_all.
package pool

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/arvindmahta/derivrt-go/apierr"
	"github.com/arvindmahta/derivrt-go/eventbus"
	"github.com/arvindmahta/derivrt-go/transport"
)

// Pool owns a dynamic set of transport.Transports, grounded on the
// teacher's internal/wsconn/pool.go (mu-guarded connections map,
// NewPool/GetOrCreateConnection/CloseAll shape), generalized from Dhan's
// instrument-assignment bookkeeping to spec §4.C's connection-id
// allocation and event-bus aggregation.
type Pool struct {
	mu          sync.Mutex
	connections map[int]*transport.Transport
	nextID      int
	bus         *eventbus.Bus
	log         zerolog.Logger
}

// New constructs an empty pool backed by bus for event aggregation.
func New(bus *eventbus.Bus, log zerolog.Logger) *Pool {
	return &Pool{
		connections: make(map[int]*transport.Transport),
		bus:         bus,
		log:         log,
	}
}

// CreateConnection allocates a connection id, constructs a Transport with
// opts (plus the pool's own id/bus wiring), inserts it into the pool, and
// returns its id. It does not auto-connect.
func (p *Pool) CreateConnection(opts ...transport.Option) (int, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	fullOpts := append([]transport.Option{
		transport.WithConnectionID(id),
		transport.WithEventBus(p.bus),
		transport.WithLogger(p.log),
	}, opts...)

	tr, err := transport.New(fullOpts...)
	if err != nil {
		p.mu.Lock()
		p.nextID-- // id was never actually consumed
		p.mu.Unlock()
		return 0, err
	}

	p.mu.Lock()
	p.connections[id] = tr
	p.mu.Unlock()

	return id, nil
}

// Get returns the transport for id, if present.
func (p *Pool) Get(id int) (*transport.Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, ok := p.connections[id]
	return tr, ok
}

// CloseConnection disconnects and removes id from the pool. Fails with
// ConnectionError if id is not present.
func (p *Pool) CloseConnection(id int) error {
	p.mu.Lock()
	tr, ok := p.connections[id]
	if ok {
		delete(p.connections, id)
	}
	p.mu.Unlock()

	if !ok {
		return apierr.NewConnectionError(id, "no such connection")
	}
	return tr.Disconnect()
}

// ConnectAll connects every transport currently in StatePending,
// concurrently, and gathers a per-connection boolean outcome.
func (p *Pool) ConnectAll(ctx context.Context) map[int]bool {
	p.mu.Lock()
	pending := make(map[int]*transport.Transport)
	for id, tr := range p.connections {
		if tr.State() == transport.StatePending {
			pending[id] = tr
		}
	}
	p.mu.Unlock()

	var mu sync.Mutex
	results := make(map[int]bool, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	for id, tr := range pending {
		id, tr := id, tr
		g.Go(func() error {
			err := tr.Connect(gctx)
			mu.Lock()
			results[id] = err == nil
			mu.Unlock()
			return nil // connect_all gathers outcomes, never aborts siblings
		})
	}
	_ = g.Wait()

	return results
}

// DisconnectAll disconnects every transport currently in StateOpen,
// concurrently, ignoring outcomes.
func (p *Pool) DisconnectAll(ctx context.Context) {
	p.mu.Lock()
	open := make([]*transport.Transport, 0, len(p.connections))
	for _, tr := range p.connections {
		if tr.State() == transport.StateOpen {
			open = append(open, tr)
		}
	}
	p.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, tr := range open {
		tr := tr
		g.Go(func() error {
			_ = tr.Disconnect()
			return nil
		})
	}
	_ = g.Wait()
}

// Bus returns the pool-wide event bus.
func (p *Pool) Bus() *eventbus.Bus { return p.bus }

// Len returns the number of connections currently tracked.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}
