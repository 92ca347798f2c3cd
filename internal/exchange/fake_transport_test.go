package exchange

import (
	"sync"
	"time"

	"github.com/cascoda/ca821x-exchange/internal/transport"
)

// fakeTransport is an in-memory stand-in for a real radio link: writes are
// captured in order, and inbound frames queued with push() surface from
// Read as if the radio had sent them.
type fakeTransport struct {
	mu       sync.Mutex
	inbound  [][]byte
	written  [][]byte
	signals  int
	resets   int
	closed   bool
	readErr  error
	cond     *sync.Cond
}

func newFakeTransport() *fakeTransport {
	f := &fakeTransport{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// push makes data available to the next Read call, as if it arrived on the
// wire from the radio.
func (f *fakeTransport) push(data []byte) {
	f.mu.Lock()
	f.inbound = append(f.inbound, append([]byte(nil), data...))
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *fakeTransport) writtenFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeTransport) Write(buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.written = append(f.written, append([]byte(nil), buf...))
	return nil
}

func (f *fakeTransport) Read(timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, transport.ErrClosed
	}
	if f.readErr != nil {
		err := f.readErr
		f.readErr = nil
		return nil, err
	}
	if len(f.inbound) == 0 {
		return nil, nil
	}
	data := f.inbound[0]
	f.inbound = f.inbound[1:]
	return data, nil
}

func (f *fakeTransport) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeTransport) Signal() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) failNextRead(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}
