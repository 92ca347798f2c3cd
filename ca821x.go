// Package ca821x is the host-side exchange core for a CA821x IEEE 802.15.4
// radio: it frames and routes TLV buffers between an application and the
// radio over either a USB HID or kernel debugfs transport, without itself
// understanding the MAC sublayer's command set. A Dispatcher supplied at
// Init — normally a MAC command library's downstream_dispatch — is tried
// first for every incoming asynchronous frame; frames it does not
// recognise fall through to the registered UserCallback.
package ca821x

import (
	"sync"
	"time"

	"github.com/cascoda/ca821x-exchange/frame"
	"github.com/cascoda/ca821x-exchange/internal/exchange"
	"github.com/cascoda/ca821x-exchange/internal/transport"
	"github.com/cascoda/ca821x-exchange/internal/transport/kernel"
	_ "github.com/cascoda/ca821x-exchange/internal/transport/usbhid"
)

// MaxMessageSize is the largest TLV frame the MAC sublayer protocol allows;
// callers should size their reply buffers to at least this when issuing a
// synchronous request.
const MaxMessageSize = frame.MaxSize

// Dispatcher is the MAC sublayer's downstream_dispatch entry point: given a
// non-SYN frame it reports whether it recognised and already delivered the
// command to a typed callback.
type Dispatcher func(buf []byte) (recognised bool)

// UserCallback receives frames neither the SYN rendezvous nor the
// Dispatcher claimed: vendor/user-defined traffic.
type UserCallback func(buf []byte)

// ErrorHandler is invoked from the I/O worker goroutine whenever the
// transport reports a read or write failure. A typical handler resets and
// re-initialises the device; if none is registered, an unhandled transport
// error is fatal, matching the original driver's defensive behaviour.
type ErrorHandler func(err error)

// Device is the application-facing handle for one CA821x radio. The zero
// value is a closed Device ready for Init.
type Device struct {
	mu    sync.Mutex
	state State

	exch *exchange.Device

	dispatch  Dispatcher
	onError   ErrorHandler
	pollDelay time.Duration

	// UserContext is free-form storage the application may use; the
	// exchange never reads it.
	UserContext interface{}
}

// Init opens the device, trying the kernel transport first and falling
// back to USB HID, per the selector's priority order. Re-init on an
// already-open Device returns ErrAlreadyInitialised.
func (d *Device) Init(dispatch Dispatcher, onError ErrorHandler) error {
	return d.initWith(transport.Config{Kind: transport.KindAuto}, dispatch, onError)
}

// InitKernel opens the device over the kernel debugfs character device
// only, at the given path (DefaultPath from internal/transport/kernel if
// empty).
func (d *Device) InitKernel(devicePath string, dispatch Dispatcher, onError ErrorHandler) error {
	return d.initWith(transport.Config{Kind: transport.KindKernel, DevicePath: devicePath}, dispatch, onError)
}

// InitUSB opens the device over USB HID only, matching vid/pid (defaults
// from internal/transport/usbhid if zero).
func (d *Device) InitUSB(vid, pid uint16, dispatch Dispatcher, onError ErrorHandler) error {
	return d.initWith(transport.Config{Kind: transport.KindUSBHID, VendorID: vid, ProductID: pid}, dispatch, onError)
}

func (d *Device) initWith(cfg transport.Config, dispatch Dispatcher, onError ErrorHandler) error {
	d.mu.Lock()
	if d.state != StateClosed {
		d.mu.Unlock()
		return ErrAlreadyInitialised
	}
	d.state = StateOpening
	d.mu.Unlock()

	tr, err := transport.Open(cfg)
	if err != nil {
		d.mu.Lock()
		d.state = StateClosed
		d.mu.Unlock()
		return ErrNoTransport
	}

	return d.openWithTransport(tr, dispatch, onError)
}

// openWithTransport finishes Init once a transport.Transport has been
// opened, wiring it into a fresh internal exchange.Device. Split out from
// initWith so tests can supply a fake transport directly.
func (d *Device) openWithTransport(tr transport.Transport, dispatch Dispatcher, onError ErrorHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dispatch = dispatch
	d.onError = onError

	exchDispatch := func(buf []byte) bool {
		if d.dispatch == nil {
			return false
		}
		return d.dispatch(buf)
	}
	// With no handler, the exchange treats a transport error as fatal.
	var exchError func(error)
	if onError != nil {
		exchError = func(err error) { d.onError(err) }
	}

	d.exch = exchange.NewDevice(tr, exchDispatch, exchError, exchange.WithPollDelay(d.pollDelay))
	d.state = StateOpen
	return nil
}

// SetPollDelay overrides the I/O worker's idle poll interval for the next
// Init/InitKernel/InitUSB call. Must be called before Init; it has no effect
// on an already-open Device. A zero or negative value restores the
// exchange's built-in default.
func (d *Device) SetPollDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pollDelay = delay
}

// Deinit stops the I/O worker, closes the transport, and releases the
// process-wide dispatch worker's reference if this was the last open
// device. Deinit on a closed Device is a no-op.
func (d *Device) Deinit() {
	d.mu.Lock()
	if d.state != StateOpen {
		d.mu.Unlock()
		return
	}
	d.state = StateClosing
	exch := d.exch
	d.mu.Unlock()

	exch.Close()

	d.mu.Lock()
	d.exch = nil
	d.state = StateClosed
	d.mu.Unlock()
}

// Reset delegates to the underlying transport's hard reset. Returns
// ErrResetNotSupported on USB HID, which has no reset line.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateOpen {
		return ErrNotInitialised
	}
	if err := d.exch.Reset(); err != nil {
		if err == transport.ErrResetUnsupported {
			return ErrResetNotSupported
		}
		return err
	}
	return nil
}

// RegisterUserCallback installs cb as the handler for frames the
// Dispatcher does not recognise. Re-registration is rejected.
func (d *Device) RegisterUserCallback(cb UserCallback) error {
	d.mu.Lock()
	exch := d.exch
	state := d.state
	d.mu.Unlock()

	if state != StateOpen {
		return ErrNotInitialised
	}
	if err := exch.RegisterUserCallback(cb); err != nil {
		return ErrCallbackAlreadyRegistered
	}
	return nil
}

// APIDownstream is api_downstream: it submits req for transmission and,
// when req carries the SYN bit and reply is non-nil, blocks for the
// matching synchronous response and copies it into reply, returning its
// length. Asynchronous submissions (no SYN bit, or reply == nil) return 0
// immediately once queued.
func (d *Device) APIDownstream(req []byte, reply []byte) (int, error) {
	d.mu.Lock()
	exch := d.exch
	state := d.state
	d.mu.Unlock()

	if state != StateOpen {
		return 0, ErrNotInitialised
	}

	n, err := exch.Downstream(req, reply)
	if err != nil {
		switch err {
		case exchange.ErrReplyTruncated:
			return 0, ErrReplyTruncated
		case exchange.ErrClosed:
			return 0, ErrNotInitialised
		default:
			return 0, err
		}
	}
	return n, nil
}

// State reports the device's current lifecycle stage.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns a snapshot of this device's traffic counters.
func (d *Device) Stats() exchange.DeviceStatsSnapshot {
	d.mu.Lock()
	exch := d.exch
	d.mu.Unlock()
	if exch == nil {
		return exchange.DeviceStatsSnapshot{}
	}
	return exch.Stats()
}

// DefaultKernelDevicePath is the debugfs node the in-tree driver exposes,
// re-exported so callers configuring InitKernel don't need to import the
// internal transport package.
const DefaultKernelDevicePath = kernel.DefaultPath
