// Package diag counts exchange error events (transport failures, protocol
// violations, allocation failures, API misuse, reply truncation — the five
// error kinds the exchange's error-handling design distinguishes) in a
// kernel eBPF array map, so an external tracer (bpftool, or another process
// sharing the pinned map) can observe driver health without instrumenting
// the Go process itself.
package diag

import (
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
)

// Category identifies one of the exchange's error kinds.
type Category uint32

const (
	TransportIO Category = iota
	ProtocolViolation
	AllocationFailure
	Misuse
	ReplyTruncation

	categoryCount
)

func (c Category) String() string {
	switch c {
	case TransportIO:
		return "transport_io"
	case ProtocolViolation:
		return "protocol_violation"
	case AllocationFailure:
		return "allocation_failure"
	case Misuse:
		return "misuse"
	case ReplyTruncation:
		return "reply_truncation"
	default:
		return "unknown"
	}
}

// bpfMap is the subset of *ebpf.Map's interface ErrorCounter depends on,
// so tests can substitute an in-memory fake instead of requiring a kernel
// capable of creating real BPF maps.
type bpfMap interface {
	Put(key, value interface{}) error
	Lookup(key, valueOut interface{}) error
	Close() error
}

// ErrorCounter is a per-category error tally backed by a kernel eBPF array
// map. Increments are read-modify-write from userspace; this is a
// diagnostic counter, not a contended fast path, so that race window is
// acceptable.
type ErrorCounter struct {
	mu sync.Mutex
	m  bpfMap
}

// NewErrorCounter creates the backing eBPF map. Requires the calling
// process to be able to raise (or already have lifted) the memlock rlimit
// eBPF map creation needs.
func NewErrorCounter() (*ErrorCounter, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("diag: remove memlock rlimit: %w", err)
	}

	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "ca821x_err_counts",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: uint32(categoryCount),
	})
	if err != nil {
		return nil, fmt.Errorf("diag: create error-counter map: %w", err)
	}
	return newErrorCounter(m), nil
}

func newErrorCounter(m bpfMap) *ErrorCounter {
	c := &ErrorCounter{m: m}
	for i := Category(0); i < categoryCount; i++ {
		_ = c.m.Put(uint32(i), uint64(0))
	}
	return c
}

// Incr increments the counter for category by one.
func (c *ErrorCounter) Incr(category Category) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cur uint64
	if err := c.m.Lookup(uint32(category), &cur); err != nil {
		return fmt.Errorf("diag: lookup %s: %w", category, err)
	}
	if err := c.m.Put(uint32(category), cur+1); err != nil {
		return fmt.Errorf("diag: put %s: %w", category, err)
	}
	return nil
}

// Snapshot returns the current count for every category.
func (c *ErrorCounter) Snapshot() (map[Category]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[Category]uint64, categoryCount)
	for i := Category(0); i < categoryCount; i++ {
		var v uint64
		if err := c.m.Lookup(uint32(i), &v); err != nil {
			return nil, fmt.Errorf("diag: lookup %s: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Close releases the backing map.
func (c *ErrorCounter) Close() error {
	return c.m.Close()
}
