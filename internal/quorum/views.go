package quorum

import (
	tmsync "github.com/hybridchain/hybridchain/libs/sync"
)

// ViewTracker holds the proposal view for the height being decided. Every
// timeout moves to the next view, i.e. the next proposer; a new height
// starts again at view zero.
type ViewTracker struct {
	mtx    tmsync.Mutex
	height int64
	view   int32
}

// NewViewTracker returns a tracker at height 0, view 0.
func NewViewTracker() *ViewTracker {
	return &ViewTracker{}
}

// Current returns the height being decided and its view.
func (vt *ViewTracker) Current() (height int64, view int32) {
	vt.mtx.Lock()
	defer vt.mtx.Unlock()
	return vt.height, vt.view
}

// ViewAt returns the view for height: the current view if height is being
// decided, zero for a later height.
func (vt *ViewTracker) ViewAt(height int64) int32 {
	vt.mtx.Lock()
	defer vt.mtx.Unlock()
	if height == vt.height {
		return vt.view
	}
	return 0
}

// NewHeight moves to height with view zero. Heights at or below the current
// one are ignored.
func (vt *ViewTracker) NewHeight(height int64) {
	vt.mtx.Lock()
	defer vt.mtx.Unlock()
	if height <= vt.height {
		return
	}
	vt.height = height
	vt.view = 0
}

// Timeout gives up on the current proposer of height and returns the new
// view. A timeout for a height other than the current one is stale and
// leaves the view alone.
func (vt *ViewTracker) Timeout(height int64) int32 {
	vt.mtx.Lock()
	defer vt.mtx.Unlock()
	if height == vt.height {
		vt.view++
	}
	return vt.view
}
