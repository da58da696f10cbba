package server

import (
	"crypto/tls"
	"net"
	"sync"
	"time"
)

func newTLSListener(ln net.Listener, cfg *tls.Config) net.Listener {
	return tls.NewListener(ln, cfg)
}

// waitGroup is a sync.WaitGroup with a bounded wait, used to drain read
// loops during shutdown without hanging forever on a stuck socket.
type waitGroup struct {
	wg sync.WaitGroup
}

func newWaitGroup() *waitGroup {
	return &waitGroup{}
}

func (w *waitGroup) add() {
	w.wg.Add(1)
}

func (w *waitGroup) done() {
	w.wg.Done()
}

// waitTimeout reports whether the group drained before the timeout.
func (w *waitGroup) waitTimeout(d time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}
