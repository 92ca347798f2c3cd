// Package kernel implements the CA821x transport.Transport backend over the
// debugfs character device exposed by the in-tree kernel driver. Reads block
// in a multi-source wait (the device fd and a self-pipe) so that Signal can
// unblock a pending Read from another goroutine, mirroring the self-pipe
// trick used by POSIX select/poll loops that need an externally triggerable
// wakeup.
package kernel

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cascoda/ca821x-exchange/internal/fragment"
	"github.com/cascoda/ca821x-exchange/internal/transport"
)

// DefaultPath is the debugfs node the in-tree ca8210 driver exposes.
const DefaultPath = "/sys/kernel/debug/ca8210"

// hardResetIOCTL is CA8210_IOCTL_HARD_RESET: ioctl code 0, argument is the
// reset pulse width in milliseconds.
const hardResetIOCTL = 0

// writeRetries and writeBackoff bound the retry loop used when the driver
// reports the device busy.
const (
	writeRetries = 5
	writeBackoff = 50 * time.Millisecond
)

func init() {
	transport.RegisterBackend(transport.KindKernel, isAvailable, open)
}

func path(cfg transport.Config) string {
	if cfg.DevicePath != "" {
		return cfg.DevicePath
	}
	return DefaultPath
}

func isAvailable(cfg transport.Config) bool {
	return unix.Access(path(cfg), unix.R_OK|unix.W_OK) == nil
}

func open(cfg transport.Config) (transport.Transport, error) {
	p := path(cfg)
	fd, err := unix.Open(p, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("kernel: open %s: %w", p, err)
	}

	pipeFDs := make([]int, 2)
	if err := unix.Pipe2(pipeFDs, unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kernel: self-pipe: %w", err)
	}

	return &Device{fd: fd, wakeR: pipeFDs[0], wakeW: pipeFDs[1]}, nil
}

// Device is a transport.Transport backed by the debugfs character device.
type Device struct {
	fd    int
	wakeR int
	wakeW int
}

// Write sends a whole frame in one syscall, retrying a bounded number of
// times with back-off when the driver reports the device busy (EAGAIN or
// EBUSY).
func (d *Device) Write(frame []byte) error {
	if d.fd < 0 {
		return transport.ErrClosed
	}
	if len(frame) > fragment.MaxFrameSize {
		return fmt.Errorf("kernel: frame of %d bytes exceeds max %d", len(frame), fragment.MaxFrameSize)
	}

	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		n, err := unix.Write(d.fd, frame)
		if err == nil {
			if n != len(frame) {
				return fmt.Errorf("kernel: short write %d of %d bytes", n, len(frame))
			}
			return nil
		}
		if err != unix.EAGAIN && err != unix.EBUSY {
			return fmt.Errorf("kernel: write: %w", err)
		}
		lastErr = err
		time.Sleep(writeBackoff)
	}
	return fmt.Errorf("kernel: write busy after %d retries: %w", writeRetries, lastErr)
}

// Read blocks in a poll over the device fd and the self-pipe for up to
// timeout, then performs a single non-blocking read. A byte arriving on the
// self-pipe (via Signal) unblocks the wait early with no frame.
func (d *Device) Read(timeout time.Duration) ([]byte, error) {
	if d.fd < 0 {
		return nil, transport.ErrClosed
	}

	fds := []unix.PollFd{
		{Fd: int32(d.fd), Events: unix.POLLIN},
		{Fd: int32(d.wakeR), Events: unix.POLLIN},
	}

	ms := int(timeout / time.Millisecond)
	n, err := unix.Poll(fds, ms)
	if err != nil && err != unix.EINTR {
		return nil, fmt.Errorf("kernel: poll: %w", err)
	}
	if n <= 0 {
		return nil, nil // timeout, no frame
	}

	if fds[1].Revents&unix.POLLIN != 0 {
		var drain [64]byte
		unix.Read(d.wakeR, drain[:])
	}
	if fds[0].Revents&unix.POLLIN == 0 {
		return nil, nil
	}

	buf := make([]byte, fragment.MaxFrameSize)
	rn, rerr := unix.Read(d.fd, buf)
	if rerr != nil {
		if rerr == unix.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("kernel: read: %w", rerr)
	}
	return buf[:rn], nil
}

// Signal wakes a goroutine blocked in Read by writing one byte to the
// self-pipe.
func (d *Device) Signal() error {
	if d.fd < 0 {
		return transport.ErrClosed
	}
	_, err := unix.Write(d.wakeW, []byte{0})
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("kernel: signal: %w", err)
	}
	return nil
}

// Reset issues CA8210_IOCTL_HARD_RESET with a 50 ms pulse width.
func (d *Device) Reset() error {
	return d.ResetFor(50 * time.Millisecond)
}

// ResetFor issues the hard-reset ioctl with an explicit pulse width.
func (d *Device) ResetFor(width time.Duration) error {
	if d.fd < 0 {
		return transport.ErrClosed
	}
	ms := uint(width / time.Millisecond)
	return unix.IoctlSetInt(d.fd, hardResetIOCTL, int(ms))
}

// Close releases the device fd and self-pipe.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	unix.Close(d.wakeR)
	unix.Close(d.wakeW)
	d.fd = -1
	return err
}
