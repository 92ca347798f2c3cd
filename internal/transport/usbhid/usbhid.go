// Package usbhid implements the CA821x transport.Transport backend over a
// USB HID report interface: frames are fragmented into 64-byte reports by
// internal/fragment and reassembled on the receive side the same way.
package usbhid

import (
	"fmt"
	"sync"
	"time"

	"github.com/karalabe/hid"

	"github.com/cascoda/ca821x-exchange/internal/fragment"
	"github.com/cascoda/ca821x-exchange/internal/transport"
)

// DefaultVendorID and DefaultProductID match Cascoda's CA8210/CA8211 USB
// dongle descriptor.
const (
	DefaultVendorID  uint16 = 0x0416
	DefaultProductID uint16 = 0x5020
)

func init() {
	transport.RegisterBackend(transport.KindUSBHID, isAvailable, open)
}

func vidPid(cfg transport.Config) (uint16, uint16) {
	vid, pid := cfg.VendorID, cfg.ProductID
	if vid == 0 {
		vid = DefaultVendorID
	}
	if pid == 0 {
		pid = DefaultProductID
	}
	return vid, pid
}

func isAvailable(cfg transport.Config) bool {
	vid, pid := vidPid(cfg)
	for _, info := range hid.Enumerate(vid, pid) {
		if info.VendorID == vid && info.ProductID == pid {
			return true
		}
	}
	return false
}

func open(cfg transport.Config) (transport.Transport, error) {
	vid, pid := vidPid(cfg)

	infos := hid.Enumerate(vid, pid)
	if len(infos) == 0 {
		return nil, fmt.Errorf("usbhid: no device with VID:0x%04x PID:0x%04x: %w", vid, pid, transport.ErrNoDeviceFound)
	}

	dev, err := infos[0].Open()
	if err != nil {
		return nil, fmt.Errorf("usbhid: open: %w", err)
	}

	return &Device{dev: dev}, nil
}

// Device is a transport.Transport backed by a single HID handle.
type Device struct {
	mu   sync.Mutex
	dev  *hid.Device
	sCur fragment.Cursor // send-side fragmentation cursor
	rCur fragment.Cursor // receive-side reassembly cursor
	rbuf [fragment.MaxFrameSize]byte
}

// Write fragments frame into 64-byte HID reports and writes each in turn.
func (d *Device) Write(frameBuf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dev == nil {
		return transport.ErrClosed
	}
	if len(frameBuf) > fragment.MaxFrameSize {
		return fmt.Errorf("usbhid: frame of %d bytes exceeds max %d", len(frameBuf), fragment.MaxFrameSize)
	}

	d.sCur.Reset()
	for {
		report, more, err := fragment.NextFragment(frameBuf, &d.sCur)
		if err != nil {
			return fmt.Errorf("usbhid: fragment: %w", err)
		}
		// karalabe/hid expects a leading report-ID byte; CA821x dongles
		// use report ID 0.
		out := make([]byte, 1+fragment.ReportSize)
		copy(out[1:], report[:])
		if _, err := d.dev.Write(out); err != nil {
			return fmt.Errorf("usbhid: write: %w", err)
		}
		if !more {
			return nil
		}
	}
}

// Read blocks until a full frame has been reassembled from incoming
// reports, or timeout elapses.
func (d *Device) Read(timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dev == nil {
		return nil, transport.ErrClosed
	}

	report := make([]byte, fragment.ReportSize)
	for {
		n, err := d.dev.ReadTimeout(report, int(timeout/time.Millisecond))
		if err != nil {
			return nil, fmt.Errorf("usbhid: read: %w", err)
		}
		if n == 0 {
			// No report arrived within timeout: a benign poll timeout, not a
			// transport failure. Matches kernel.Device.Read's (nil, nil) on
			// no data, so the I/O worker's idle poll never escalates this
			// to an error handler.
			return nil, nil
		}

		done, total, err := fragment.Assemble(report[:n], d.rbuf[:], &d.rCur)
		if err != nil {
			d.rCur.Reset()
			return nil, fmt.Errorf("usbhid: assemble: %w", err)
		}
		if done {
			out := make([]byte, total)
			copy(out, d.rbuf[:total])
			return out, nil
		}
	}
}

// Reset is unsupported over USB HID: CA821x dongles expose no reset line on
// this transport, only the kernel character device does.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return transport.ErrClosed
	}
	return transport.ErrResetUnsupported
}

// Signal is a no-op: the USB HID read loop already uses a short polling
// timeout, so there is nothing to wake.
func (d *Device) Signal() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return transport.ErrClosed
	}
	return nil
}

// Close releases the HID handle.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil
	}
	err := d.dev.Close()
	d.dev = nil
	return err
}
