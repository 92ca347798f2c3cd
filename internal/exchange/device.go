// Package exchange implements the generic per-device I/O engine and
// process-wide dispatch worker described by the CA821x host exchange: two
// producer/consumer queues per device, a synchronous request/response
// rendezvous guarded by a per-device mutex, and a single dispatch worker
// shared by every open device in the process.
package exchange

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cascoda/ca821x-exchange/frame"
	"github.com/cascoda/ca821x-exchange/internal/diag"
	"github.com/cascoda/ca821x-exchange/internal/fragment"
	"github.com/cascoda/ca821x-exchange/internal/queue"
	"github.com/cascoda/ca821x-exchange/internal/transport"
)

// PollDelay bounds how long the I/O worker blocks in a transport Read when
// it has no outgoing work, and therefore bounds shutdown latency. It is the
// default used unless a Device is opened with WithPollDelay.
const PollDelay = 2 * time.Millisecond

// Dispatcher is the MAC sublayer's downstream_dispatch entry point: given a
// non-SYN frame, it reports whether the command was recognised and, if so,
// has already delivered it to a typed callback.
type Dispatcher func(frame []byte) (recognised bool)

// Option configures a Device at construction time.
type Option func(*Device)

// WithPollDelay overrides the I/O worker's idle poll interval. d <= 0 is
// ignored and the Device keeps PollDelay.
func WithPollDelay(d time.Duration) Option {
	return func(dev *Device) {
		if d > 0 {
			dev.pollDelay = d
		}
	}
}

// Device is the exchange-private state for one open radio: its transport,
// its in/out queues, its synchronous rendezvous mutex, and its I/O worker.
type Device struct {
	engine    *Engine
	transport transport.Transport
	dispatch  Dispatcher
	errorFn   func(error)

	inQueue  *queue.Queue[struct{}]
	outQueue *queue.Queue[struct{}]
	syncMu   sync.Mutex

	callbacksMu  sync.RWMutex
	userCallback func([]byte)

	running atomic.Bool
	done    chan struct{}

	stats      DeviceStats
	errCounter *diag.ErrorCounter
	pollDelay  time.Duration
}

// Open opens a transport per cfg, registers dispatch as the downstream
// dispatcher, starts the I/O worker, and joins the process-wide Engine
// (starting its dispatch worker on the first open in the process).
func Open(cfg transport.Config, dispatch Dispatcher, onError func(error), opts ...Option) (*Device, error) {
	tr, err := transport.Open(cfg)
	if err != nil {
		return nil, err
	}
	return newDevice(tr, dispatch, onError, opts...), nil
}

// NewDevice wires an already-open transport.Transport into a fresh Device,
// bypassing backend auto-selection. Exported for callers (and the root
// package's tests) that already hold a transport.Transport, e.g. one opened
// explicitly via transport.Open or a fake used in tests.
func NewDevice(tr transport.Transport, dispatch Dispatcher, onError func(error), opts ...Option) *Device {
	return newDevice(tr, dispatch, onError, opts...)
}

// newDevice wires an already-open transport.Transport into a fresh Device.
// Split out from Open so tests can inject a fake transport without going
// through backend auto-selection.
func newDevice(tr transport.Transport, dispatch Dispatcher, onError func(error), opts ...Option) *Device {
	// The error counter needs a kernel capable of creating eBPF maps (and
	// the memlock rlimit lifted); neither is guaranteed in every deployment
	// or test environment, so its absence is not fatal — it just means
	// error events go uncounted.
	counter, _ := diag.NewErrorCounter()

	dev := &Device{
		engine:     acquireEngine(),
		transport:  tr,
		dispatch:   dispatch,
		errorFn:    onError,
		inQueue:    queue.New[struct{}](),
		outQueue:   queue.New[struct{}](),
		done:       make(chan struct{}),
		errCounter: counter,
		pollDelay:  PollDelay,
	}
	for _, opt := range opts {
		opt(dev)
	}
	dev.running.Store(true)
	go dev.ioWorker()
	return dev
}

// Stats returns a snapshot of this device's traffic counters.
func (d *Device) Stats() DeviceStatsSnapshot {
	return d.stats.Snapshot()
}

// RegisterUserCallback installs cb to receive frames the MAC dispatcher
// does not recognise. Re-registration is rejected.
func (d *Device) RegisterUserCallback(cb func([]byte)) error {
	d.callbacksMu.Lock()
	defer d.callbacksMu.Unlock()
	if d.userCallback != nil {
		return ErrAlreadyRegistered
	}
	d.userCallback = cb
	return nil
}

// Reset delegates to the transport's Reset, where the medium supports one.
func (d *Device) Reset() error {
	if !d.running.Load() {
		return ErrClosed
	}
	return d.transport.Reset()
}

// Downstream is api_downstream: it enqueues req for transmission and, if
// req carries the SYN bit and reply is non-nil, blocks until the matching
// synchronous response arrives and copies it into reply.
//
// Guarantee: at most one synchronous transaction is in flight per device.
// The reply delivered is simply the first SYN frame to arrive on the
// in-queue after the request was sent — the exchange trusts the radio to
// answer requests in order and does not correlate by any explicit request
// ID. An out-of-order SYN reply from the radio would be paired with the
// wrong waiter; this mirrors the original implementation's assumption and
// is deliberately not changed here.
func (d *Device) Downstream(req []byte, reply []byte) (int, error) {
	if !d.running.Load() {
		return 0, ErrClosed
	}

	isSync := frame.IsSync(req) && reply != nil
	if isSync {
		d.syncMu.Lock()
		defer d.syncMu.Unlock()
	}

	d.outQueue.Enqueue(req, struct{}{})
	d.stats.recordUpstream(len(req))
	if err := d.transport.Signal(); err != nil && err != transport.ErrClosed {
		return 0, err
	}

	if !isSync {
		return 0, nil
	}

	d.inQueue.Wait()
	n, _, ok := d.inQueue.Pop(reply)
	if !ok {
		if d.errCounter != nil {
			_ = d.errCounter.Incr(diag.ReplyTruncation)
		}
		return 0, ErrReplyTruncated
	}
	d.stats.recordSyncReply()
	return n, nil
}

// Close stops the I/O worker, closes the transport, and releases this
// device's reference to the process-wide Engine. Idempotent.
func (d *Device) Close() error {
	if !d.running.CompareAndSwap(true, false) {
		return nil
	}
	<-d.done
	err := d.transport.Close()
	if d.errCounter != nil {
		_ = d.errCounter.Close()
	}
	releaseEngine(d.engine)
	return err
}

// ioWorker is the per-device I/O thread: read whatever the transport has,
// classify and route it, then drain one frame from the out-queue if one is
// waiting.
func (d *Device) ioWorker() {
	defer close(d.done)
	for d.running.Load() {
		timeout := d.pollDelay
		if d.outQueue.Len() > 0 {
			timeout = 0
		}

		data, err := d.transport.Read(timeout)
		if err != nil {
			if classifyError(err) == diag.ProtocolViolation {
				// A malformed inbound frame is counted and dropped, not
				// escalated to the error handler.
				d.stats.recordError()
				if d.errCounter != nil {
					_ = d.errCounter.Incr(diag.ProtocolViolation)
				}
				continue
			}
			d.handleError(err)
			continue
		}
		if len(data) > 0 {
			if frame.IsSync(data) {
				d.inQueue.Enqueue(data, struct{}{})
			} else {
				d.engine.dispatch.Enqueue(data, d)
			}
		}

		if n := d.outQueue.Peek(); n > 0 {
			buf := make([]byte, n)
			ln, _, ok := d.outQueue.Pop(buf)
			if ok {
				if err := d.transport.Write(buf[:ln]); err != nil {
					d.handleError(err)
				}
			}
		}
	}
}

func (d *Device) handleError(err error) {
	d.stats.recordError()
	if d.errCounter != nil {
		_ = d.errCounter.Incr(classifyError(err))
	}
	if d.errorFn != nil {
		d.errorFn(err)
		return
	}
	log.Fatalf("exchange: unhandled transport error: %v", err)
}

// classifyError sorts a transport error into the diag categories: fragment
// framing violations are a protocol issue reported by a peer or corrupted on
// the wire, anything else is a generic transport I/O failure.
func classifyError(err error) diag.Category {
	if errors.Is(err, fragment.ErrFrameTooLong) ||
		errors.Is(err, fragment.ErrShortReport) ||
		errors.Is(err, fragment.ErrFirstOffsetMismatch) ||
		errors.Is(err, fragment.ErrBufferTooSmall) {
		return diag.ProtocolViolation
	}
	return diag.TransportIO
}
