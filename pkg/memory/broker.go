// Package memory provides the temporary memory broker used by the copy
// engine to bound the footprint of yet-unflushed data. Operations register
// a Reservation and resize it as their buffering needs change; the broker
// grants or denies growth against a process-wide budget shared by all
// concurrent operations.
package memory

import (
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
)

// defaultQueryMaxMemory is used when system memory cannot be detected.
const defaultQueryMaxMemory = 4 << 30 // 4 GiB

// systemMemoryFraction is the share of physical memory the broker will hand
// out across all operations.
const systemMemoryFraction = 0.8

// Broker arbitrates temporary memory across concurrent copy operations.
// All methods are safe for concurrent use.
type Broker struct {
	mu             sync.Mutex
	queryMaxMemory int64
	reserved       int64
}

// NewBroker creates a broker with the given budget in bytes. A budget of 0
// detects a budget from system memory.
func NewBroker(queryMaxMemory int64) *Broker {
	if queryMaxMemory <= 0 {
		queryMaxMemory = SystemQueryMaxMemory()
	}
	return &Broker{queryMaxMemory: queryMaxMemory}
}

// SystemQueryMaxMemory returns the default process-wide memory budget,
// derived from physical memory.
func SystemQueryMaxMemory() int64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return defaultQueryMaxMemory
	}
	return int64(float64(vm.Total) * systemMemoryFraction)
}

// QueryMaxMemory returns the broker's total budget in bytes.
func (b *Broker) QueryMaxMemory() int64 {
	return b.queryMaxMemory
}

// Register creates a new empty reservation against the broker.
func (b *Broker) Register() *Reservation {
	return &Reservation{broker: b}
}

// Reservation is one operation's slice of the broker's budget. Growth
// requests may be partially granted or denied; the operation reads the
// actual grant back via Reservation().
type Reservation struct {
	broker  *Broker
	mu      sync.Mutex
	granted int64
}

// SetRemainingSize requests that the reservation be resized to size bytes.
// The broker grants at most what fits in the remaining budget; a request may
// also shrink the reservation as the operation's needs decrease. Callers
// observe the outcome via Reservation().
func (r *Reservation) SetRemainingSize(size int64) {
	if size < 0 {
		size = 0
	}
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	available := r.broker.queryMaxMemory - (r.broker.reserved - r.granted)
	grant := size
	if grant > available {
		grant = available
	}
	r.broker.reserved += grant - r.granted
	r.granted = grant
}

// Reservation returns the currently granted size in bytes.
func (r *Reservation) Reservation() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.granted
}

// Free releases the reservation back to the broker. The reservation must
// not be used afterwards.
func (r *Reservation) Free() {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broker.reserved -= r.granted
	r.granted = 0
}
