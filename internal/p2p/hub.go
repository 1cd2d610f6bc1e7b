package p2p

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hybridchain/hybridchain/libs/log"
)

// NodeID identifies an endpoint on a hub.
type NodeID string

// ChannelID separates the message kinds carried over one hub.
type ChannelID uint8

// Envelope is one message in flight. An empty To means broadcast.
type Envelope struct {
	From      NodeID
	To        NodeID
	ChannelID ChannelID
	Message   []byte
}

var (
	// ErrDuplicateNode is returned when a node joins a hub twice.
	ErrDuplicateNode = errors.New("node already joined")
	// ErrUnknownNode is returned when sending to a node that is not on the
	// hub.
	ErrUnknownNode = errors.New("unknown node")
	// ErrClosed is returned when sending from a closed endpoint.
	ErrClosed = errors.New("endpoint closed")
)

// Handler consumes envelopes delivered to an endpoint. It runs on the
// endpoint's delivery goroutine and must not block for long.
type Handler func(Envelope)

// MemoryHub is an in-process transport that fans messages out to every
// joined endpoint. Each endpoint delivers in order on its own goroutine.
type MemoryHub struct {
	logger     log.Logger
	bufferSize int

	mtx       sync.RWMutex
	endpoints map[NodeID]*Endpoint
}

// NewMemoryHub creates a hub whose endpoints buffer bufferSize envelopes.
func NewMemoryHub(logger log.Logger, bufferSize int) *MemoryHub {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &MemoryHub{
		logger:     logger.With("module", "p2p"),
		bufferSize: bufferSize,
		endpoints:  make(map[NodeID]*Endpoint),
	}
}

// Join attaches a node that receives envelopes through handler.
func (h *MemoryHub) Join(id NodeID, handler Handler) (*Endpoint, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if _, ok := h.endpoints[id]; ok {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateNode, id)
	}
	ep := &Endpoint{
		id:      id,
		hub:     h,
		inbox:   newInbox(h.bufferSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	h.endpoints[id] = ep
	go ep.deliver()
	h.logger.Debug("node joined", "node", id)
	return ep, nil
}

// Nodes returns the joined node IDs in order.
func (h *MemoryHub) Nodes() []NodeID {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	ids := make([]NodeID, 0, len(h.endpoints))
	for id := range h.endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *MemoryHub) leave(id NodeID) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	delete(h.endpoints, id)
}

func (h *MemoryHub) route(env Envelope) error {
	h.mtx.RLock()
	var targets []*Endpoint
	if env.To != "" {
		ep, ok := h.endpoints[env.To]
		if !ok {
			h.mtx.RUnlock()
			return fmt.Errorf("%w: %v", ErrUnknownNode, env.To)
		}
		targets = append(targets, ep)
	} else {
		for id, ep := range h.endpoints {
			if id != env.From {
				targets = append(targets, ep)
			}
		}
	}
	h.mtx.RUnlock()

	for _, ep := range targets {
		msg := make([]byte, len(env.Message))
		copy(msg, env.Message)
		out := env
		out.Message = msg
		if !ep.inbox.push(out) {
			h.logger.Debug("dropping envelope for closed endpoint", "node", ep.id)
		}
	}
	return nil
}

// Endpoint is one node's attachment to a MemoryHub.
type Endpoint struct {
	id      NodeID
	hub     *MemoryHub
	inbox   *inbox
	handler Handler

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the node ID.
func (ep *Endpoint) ID() NodeID { return ep.id }

// Broadcast sends msg on channel ch to every other node.
func (ep *Endpoint) Broadcast(ch ChannelID, msg []byte) error {
	return ep.send(Envelope{From: ep.id, ChannelID: ch, Message: msg})
}

// Send sends msg on channel ch to node to.
func (ep *Endpoint) Send(to NodeID, ch ChannelID, msg []byte) error {
	return ep.send(Envelope{From: ep.id, To: to, ChannelID: ch, Message: msg})
}

func (ep *Endpoint) send(env Envelope) error {
	select {
	case <-ep.inbox.done():
		return ErrClosed
	default:
	}
	return ep.hub.route(env)
}

func (ep *Endpoint) deliver() {
	defer close(ep.done)
	for {
		env, ok := ep.inbox.next()
		if !ok {
			return
		}
		ep.handler(env)
	}
}

// Close detaches the endpoint and waits for its delivery goroutine to
// exit. Undelivered envelopes are dropped.
func (ep *Endpoint) Close() {
	ep.closeOnce.Do(func() {
		ep.hub.leave(ep.id)
		ep.inbox.close()
	})
	<-ep.done
}
