package p2p

import (
	tmsync "github.com/hybridchain/hybridchain/libs/sync"
)

// inbox buffers envelopes addressed to one endpoint until its delivery
// goroutine hands them to the handler. It is lossless: push blocks while
// size envelopes are waiting.
type inbox struct {
	ch     chan Envelope
	closer *tmsync.Closer
}

func newInbox(size int) *inbox {
	return &inbox{
		ch:     make(chan Envelope, size),
		closer: tmsync.NewCloser(),
	}
}

// push queues env and reports false if the inbox was closed first.
func (in *inbox) push(env Envelope) bool {
	select {
	case in.ch <- env:
		return true
	case <-in.closer.Done():
		return false
	}
}

// next blocks for the next envelope. ok is false once the inbox is closed;
// envelopes still buffered at that point are dropped.
func (in *inbox) next() (env Envelope, ok bool) {
	select {
	case env = <-in.ch:
		return env, true
	case <-in.closer.Done():
		return Envelope{}, false
	}
}

func (in *inbox) close() { in.closer.Close() }

func (in *inbox) done() <-chan struct{} { return in.closer.Done() }
