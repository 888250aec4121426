// ============================================================================
// Pipeline Scheduler Transport
// ============================================================================
//
// Package: internal/transport
// File: transport.go
// Purpose: Point-to-point delivery of Packages between pipeline ranks
//
// Implementations:
//   - Hub / Endpoint : in-process mailboxes, one per rank (tests, simulation)
//   - GRPC           : unary Deliver RPC between processes (grpc.go)
//
// Both share the same receive side: a mailbox keyed by source rank, so that
// Receive(src) only ever returns packages sent by src.
//
// Failures are returned as-is. The scheduler never retries a send, since a
// re-send is not known to be idempotent.
//
// ============================================================================

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
)

var (
	// ErrClosed is returned after the transport has been closed
	ErrClosed = errors.New("transport closed")
	// ErrUnknownRank is returned when no route to a rank exists
	ErrUnknownRank = errors.New("unknown rank")
)

// Transport is the point-to-point collaborator used by send callbacks and
// by the controller's inbound loops
type Transport interface {
	// Send delivers pkg to dst. Ownership of pkg transfers to the transport.
	Send(ctx context.Context, pkg *types.Package, dst int) error
	// Receive blocks until a package from src arrives
	Receive(ctx context.Context, src int) (*types.Package, error)
}

// mailbox buffers inbound packages per source rank
type mailbox struct {
	mu       sync.Mutex
	boxes    map[int]chan *types.Package
	capacity int
	closed   chan struct{}
	once     sync.Once
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{
		boxes:    make(map[int]chan *types.Package),
		capacity: capacity,
		closed:   make(chan struct{}),
	}
}

func (m *mailbox) box(src int) chan *types.Package {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.boxes[src]
	if !ok {
		ch = make(chan *types.Package, m.capacity)
		m.boxes[src] = ch
	}
	return ch
}

func (m *mailbox) deliver(ctx context.Context, pkg *types.Package) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}

	select {
	case m.box(pkg.Metadata.SrcRank) <- pkg:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mailbox) receive(ctx context.Context, src int) (*types.Package, error) {
	ch := m.box(src)
	select {
	case pkg := <-ch:
		return pkg, nil
	case <-m.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.closed) })
}

// Hub connects in-process endpoints
type Hub struct {
	mu        sync.RWMutex
	endpoints map[int]*Endpoint
	capacity  int
}

// NewHub creates a hub whose mailboxes hold up to capacity packages per source
func NewHub(capacity int) *Hub {
	return &Hub{
		endpoints: make(map[int]*Endpoint),
		capacity:  capacity,
	}
}

// Endpoint returns the endpoint of rank, creating it on first use
func (h *Hub) Endpoint(rank int) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep, ok := h.endpoints[rank]
	if !ok {
		ep = &Endpoint{hub: h, rank: rank, inbox: newMailbox(h.capacity)}
		h.endpoints[rank] = ep
	}
	return ep
}

// Close closes every endpoint
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ep := range h.endpoints {
		ep.Close()
	}
}

func (h *Hub) lookup(rank int) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ep, ok := h.endpoints[rank]
	return ep, ok
}

// Endpoint is one rank's view of a Hub
type Endpoint struct {
	hub   *Hub
	rank  int
	inbox *mailbox
}

// Rank returns the rank this endpoint belongs to
func (e *Endpoint) Rank() int {
	return e.rank
}

func (e *Endpoint) Send(ctx context.Context, pkg *types.Package, dst int) error {
	peer, ok := e.hub.lookup(dst)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRank, dst)
	}
	out := pkg.Clone()
	out.Metadata.SrcRank = e.rank
	out.Metadata.DstRank = dst
	return peer.inbox.deliver(ctx, out)
}

func (e *Endpoint) Receive(ctx context.Context, src int) (*types.Package, error) {
	return e.inbox.receive(ctx, src)
}

// Close stops the endpoint; pending and future calls return ErrClosed
func (e *Endpoint) Close() {
	e.inbox.close()
}
