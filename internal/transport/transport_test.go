package transport

import (
	"errors"
	"testing"
	"time"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindAuto:   "auto",
		KindUSBHID: "usbhid",
		KindKernel: "kernel",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

type fakeTransport struct{ closed bool }

func (f *fakeTransport) Write([]byte) error                { return nil }
func (f *fakeTransport) Read(time.Duration) ([]byte, error) { return []byte{0x01}, nil }
func (f *fakeTransport) Reset() error                       { return nil }
func (f *fakeTransport) Signal() error                      { return nil }
func (f *fakeTransport) Close() error                       { f.closed = true; return nil }

func TestOpenUnsupportedKind(t *testing.T) {
	saved := backends
	backends = nil
	defer func() { backends = saved }()

	_, err := Open(Config{Kind: Kind(99)})
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("err = %v, want ErrUnsupportedKind", err)
	}
}

func TestOpenAutoTriesBackendsInOrder(t *testing.T) {
	saved := backends
	backends = nil
	defer func() { backends = saved }()

	var opened []Kind
	RegisterBackend(KindUSBHID, func(Config) bool { return false }, func(Config) (Transport, error) {
		opened = append(opened, KindUSBHID)
		return &fakeTransport{}, nil
	})
	RegisterBackend(KindKernel, func(Config) bool { return true }, func(Config) (Transport, error) {
		opened = append(opened, KindKernel)
		return &fakeTransport{}, nil
	})

	tr, err := Open(Config{Kind: KindAuto})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(opened) != 1 || opened[0] != KindKernel {
		t.Fatalf("opened = %v, want only KindKernel (the first available backend)", opened)
	}
	if tr == nil {
		t.Fatal("Open returned nil transport with nil error")
	}
}

func TestOpenAutoNoBackendAvailable(t *testing.T) {
	saved := backends
	backends = nil
	defer func() { backends = saved }()

	RegisterBackend(KindUSBHID, func(Config) bool { return false }, nil)

	_, err := Open(Config{Kind: KindAuto})
	if !errors.Is(err, ErrNoDeviceFound) {
		t.Fatalf("err = %v, want ErrNoDeviceFound", err)
	}
}

func TestOpenExplicitKind(t *testing.T) {
	saved := backends
	backends = nil
	defer func() { backends = saved }()

	called := false
	RegisterBackend(KindUSBHID, func(Config) bool { return false }, func(Config) (Transport, error) {
		called = true
		return &fakeTransport{}, nil
	})

	if _, err := Open(Config{Kind: KindUSBHID}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !called {
		t.Fatal("explicit Kind should call the matching backend's opener directly, bypassing availability check")
	}
}
