package exchange

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spinUntil polls cond from any goroutine, test or helper, without touching
// *testing.T (which must only fail from the goroutine running the test).
func spinUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	if !spinUntil(cond, 2*time.Second) {
		t.Fatal("condition not met within deadline")
	}
}

func TestDownstreamAsyncReturnsImmediately(t *testing.T) {
	tr := newFakeTransport()
	dev := newDevice(tr, nil, nil)
	defer dev.Close()

	n, err := dev.Downstream([]byte{0xD3, 0x01, 0x02}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	waitFor(t, func() bool { return len(tr.writtenFrames()) == 1 })
	assert.Equal(t, []byte{0xD3, 0x01, 0x02}, tr.writtenFrames()[0])
}

func TestDownstreamSyncRoundTrip(t *testing.T) {
	tr := newFakeTransport()
	dev := newDevice(tr, nil, nil)
	defer dev.Close()

	// Simulate the radio answering an MLME-RESET request once it sees the
	// request land on the wire.
	go func() {
		spinUntil(func() bool { return len(tr.writtenFrames()) == 1 }, 2*time.Second)
		tr.push([]byte{0x45 | 0x80, 0x01})
	}()

	reply := make([]byte, 32)
	n, err := dev.Downstream([]byte{0x45, 0x00}, reply)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, byte(0x45|0x80), reply[0])
	assert.Equal(t, byte(0x01), reply[1])
}

func TestDownstreamReplyTruncationReturnsError(t *testing.T) {
	tr := newFakeTransport()
	dev := newDevice(tr, nil, nil)
	defer dev.Close()

	go func() {
		spinUntil(func() bool { return len(tr.writtenFrames()) == 1 }, 2*time.Second)
		tr.push([]byte{0x45 | 0x80, 0x01, 0x02, 0x03, 0x04})
	}()

	reply := make([]byte, 1)
	_, err := dev.Downstream([]byte{0x45, 0x00}, reply)
	assert.ErrorIs(t, err, ErrReplyTruncated)
}

// TestSyncSerialization exercises P4 (syncMu is held across
// enqueue(out)..pop(in)) with two synchronous requests issued from different
// goroutines: both must complete with their replies, and each request must
// reach the wire once. It does not observe the out-queue's timing directly;
// see the note at the end of the test.
func TestSyncSerialization(t *testing.T) {
	tr := newFakeTransport()
	dev := newDevice(tr, nil, nil)
	defer dev.Close()

	var order []int
	var mu sync.Mutex

	respond := func(reqByte byte, respByte byte) {
		for {
			frames := tr.writtenFrames()
			for _, f := range frames {
				if len(f) > 0 && f[0] == reqByte {
					tr.push([]byte{respByte, 0x00})
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		go respond(0x41, 0x41|0x80)
		reply := make([]byte, 8)
		_, err := dev.Downstream([]byte{0x41, 0x00}, reply)
		require.NoError(t, err)
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		go respond(0x42, 0x42|0x80)
		reply := make([]byte, 8)
		_, err := dev.Downstream([]byte{0x42, 0x00}, reply)
		require.NoError(t, err)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	}()
	wg.Wait()

	assert.Len(t, order, 2)
	assert.ElementsMatch(t, []int{1, 2}, order)

	// Whichever request went first, the out-queue must show exactly one
	// sync request at a time: the second request's byte must not appear
	// in written frames before the first's reply was already pushed. We
	// can't observe queue-internal timing directly, so we check the
	// weaker but still meaningful invariant: both requests were written
	// exactly once, never interleaved mid-frame.
	frames := tr.writtenFrames()
	require.Len(t, frames, 2)
}

func TestRegisterUserCallbackRejectsSecond(t *testing.T) {
	tr := newFakeTransport()
	dev := newDevice(tr, nil, nil)
	defer dev.Close()

	require.NoError(t, dev.RegisterUserCallback(func([]byte) {}))
	err := dev.RegisterUserCallback(func([]byte) {})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestDispatchRoutesUnrecognisedFrameToUserCallback(t *testing.T) {
	received := make(chan []byte, 1)
	dispatcher := func(buf []byte) bool { return false }

	tr := newFakeTransport()
	dev := newDevice(tr, dispatcher, nil)
	defer dev.Close()

	require.NoError(t, dev.RegisterUserCallback(func(buf []byte) {
		received <- append([]byte(nil), buf...)
	}))

	tr.push([]byte{0xA3, 0x01, 0x02, 0x03, 0x04})

	select {
	case buf := <-received:
		assert.Equal(t, []byte{0xA3, 0x01, 0x02, 0x03, 0x04}, buf)
	case <-time.After(2 * time.Second):
		t.Fatal("user callback never invoked")
	}
}

func TestDispatchDoesNotCallUserCallbackWhenRecognised(t *testing.T) {
	dispatched := make(chan []byte, 1)
	dispatcher := func(buf []byte) bool {
		dispatched <- append([]byte(nil), buf...)
		return true
	}

	tr := newFakeTransport()
	dev := newDevice(tr, dispatcher, nil)
	defer dev.Close()

	called := false
	require.NoError(t, dev.RegisterUserCallback(func([]byte) { called = true }))

	tr.push([]byte{0x12, 0x00})

	select {
	case <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never invoked")
	}
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called, "user callback must not run for a recognised command")
}

func TestTransportErrorEscalatesToErrorHandler(t *testing.T) {
	errCh := make(chan error, 1)
	tr := newFakeTransport()
	dev := newDevice(tr, nil, func(err error) { errCh <- err })
	defer dev.Close()

	boom := errors.New("boom")
	tr.failNextRead(boom)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("error handler never invoked")
	}
}

func TestCloseIsIdempotentAndStopsWorker(t *testing.T) {
	tr := newFakeTransport()
	dev := newDevice(tr, nil, nil)

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())

	assert.True(t, tr.closed)
	_, err := dev.Downstream([]byte{0x01}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestResetDelegatesToTransport(t *testing.T) {
	tr := newFakeTransport()
	dev := newDevice(tr, nil, nil)
	defer dev.Close()

	require.NoError(t, dev.Reset())
	assert.Equal(t, 1, tr.resets)
}

func TestStatsCountFramesAndBytes(t *testing.T) {
	tr := newFakeTransport()
	dev := newDevice(tr, nil, nil)
	defer dev.Close()

	_, err := dev.Downstream([]byte{0xD3, 0x01, 0x02, 0x03}, nil)
	require.NoError(t, err)

	waitFor(t, func() bool { return dev.Stats().FramesSent == 1 })
	snap := dev.Stats()
	assert.Equal(t, uint64(1), snap.FramesSent)
	assert.Equal(t, uint64(4), snap.BytesSent)
}
