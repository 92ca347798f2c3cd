package exchange

import (
	"sync"

	"github.com/cascoda/ca821x-exchange/internal/queue"
)

// Engine is the process-wide dispatch worker shared by every open device.
// It is a lazily-initialised, reference-counted singleton rather than a
// package-level global: the first acquireEngine starts its worker goroutine,
// and the matching releaseEngine (when the count reaches zero) sends the shutdown
// sentinel and waits for the worker to return. Device holds a reference to
// the Engine it was opened against instead of touching global state
// directly.
type Engine struct {
	dispatch *queue.Queue[*Device]
	done     chan struct{}
}

var (
	singletonMu sync.Mutex
	singleton   *Engine
	refCount    int
)

// acquireEngine returns the process-wide Engine, starting its dispatch
// worker on the first call.
func acquireEngine() *Engine {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton == nil {
		e := &Engine{
			dispatch: queue.New[*Device](),
			done:     make(chan struct{}),
		}
		go e.dispatchLoop()
		singleton = e
	}
	refCount++
	return singleton
}

// releaseEngine drops a reference; on the last release it shuts the
// dispatch worker down and waits for it to exit before returning.
func releaseEngine(e *Engine) {
	singletonMu.Lock()
	if singleton != e {
		singletonMu.Unlock()
		return
	}
	refCount--
	last := refCount <= 0
	if last {
		singleton = nil
	}
	singletonMu.Unlock()

	if !last {
		return
	}
	// Shutdown sentinel: a zero-length enqueue tagged with a nil device.
	e.dispatch.Enqueue(nil, nil)
	<-e.done
}

// dispatchLoop delivers downstream (non-SYN) frames to each frame's owning
// device: first to the MAC dispatcher installed at open, and if that
// reports the command unrecognised, to the device's user callback.
func (e *Engine) dispatchLoop() {
	defer close(e.done)
	for {
		n := e.dispatch.Wait()
		dst := make([]byte, n)
		ln, dev, ok := e.dispatch.Pop(dst)
		if !ok {
			continue
		}
		if dev == nil && ln == 0 {
			return
		}

		buf := dst[:ln]
		recognised := false
		if dev.dispatch != nil {
			recognised = dev.dispatch(buf)
		}
		if !recognised {
			dev.callbacksMu.RLock()
			user := dev.userCallback
			dev.callbacksMu.RUnlock()
			if user != nil {
				user(buf)
			}
		}
		dev.stats.recordDownstream(ln)
	}
}
