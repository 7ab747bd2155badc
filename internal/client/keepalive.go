package client

import (
	"context"
	"sync"
	"time"

	"github.com/hipbot/hipchat/internal/logging"
	"github.com/hipbot/hipchat/internal/metrics"
	"github.com/hipbot/hipchat/internal/transport"
)

// KeepAlive sends a whitespace heartbeat at a fixed interval while the
// transport is connected. It self-terminates when the transport reports
// not-connected and must be stopped explicitly on disconnect so no periodic
// task is left dangling.
type KeepAlive struct {
	transport transport.Transport
	interval  time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

// NewKeepAlive creates a keepalive for the given transport.
func NewKeepAlive(t transport.Transport, interval time.Duration) *KeepAlive {
	return &KeepAlive{transport: t, interval: interval}
}

// Start begins the heartbeat loop. Starting an already-running keepalive is a
// no-op.
func (k *KeepAlive) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stop != nil {
		return
	}
	k.stop = make(chan struct{})
	go k.loop(k.stop)
}

// Stop cancels the heartbeat loop. Safe to call repeatedly.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stop == nil {
		return
	}
	close(k.stop)
	k.stop = nil
}

// stopIf clears the run state only if the loop owning the given channel is
// still the active one.
func (k *KeepAlive) stopIf(stop chan struct{}) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stop == stop {
		close(k.stop)
		k.stop = nil
	}
}

// Running reports whether the heartbeat loop is active.
func (k *KeepAlive) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stop != nil
}

func (k *KeepAlive) loop(stop chan struct{}) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !k.transport.Connected() {
				k.stopIf(stop)
				return
			}
			if err := k.transport.SendRaw(context.Background(), []byte(" ")); err != nil {
				logging.Warn("keepalive send failed: %v", err)
				continue
			}
			metrics.KeepAlivesSent.Inc()
			logging.Debug("keepalive")
		}
	}
}
