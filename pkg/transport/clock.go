package transport

import (
	"sync/atomic"
	"time"
)

// NetworkClock is wall-clock time corrected by an offset learned from
// the message service, so receipt timestamps agree across devices whose
// local clocks drift.
type NetworkClock struct {
	offsetMs atomic.Int64
}

func NewNetworkClock() *NetworkClock {
	return &NetworkClock{}
}

// NowMillis returns the current network-synchronized time in epoch
// milliseconds.
func (c *NetworkClock) NowMillis() int64 {
	return time.Now().UnixMilli() + c.offsetMs.Load()
}

// ObserveServerTime updates the learned offset from a server-reported
// timestamp.
func (c *NetworkClock) ObserveServerTime(serverNowMs int64) {
	if serverNowMs <= 0 {
		return
	}
	c.offsetMs.Store(serverNowMs - time.Now().UnixMilli())
}
