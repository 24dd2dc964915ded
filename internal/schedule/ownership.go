// ABOUTME: Consistent-hash ownership of schedules across gateway nodes
// ABOUTME: Exactly one configured member arms each schedule; a lone node owns all

package schedule

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/buraksezer/consistent"
)

type member string

func (m member) String() string {
	return string(m)
}

type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	out := sha256.Sum256(data)
	return binary.BigEndian.Uint64(out[:8])
}

// Ownership decides which node arms which schedule.
type Ownership struct {
	mu   sync.RWMutex
	self string
	ring *consistent.Consistent
}

// NewOwnership creates the ring for members. With no members, self owns everything.
func NewOwnership(self string, members []string) *Ownership {
	o := &Ownership{self: self}
	o.SetMembers(members)
	return o
}

// SetMembers replaces the ring membership.
func (o *Ownership) SetMembers(members []string) {
	var ring *consistent.Consistent
	if len(members) > 0 {
		cfg := consistent.Config{
			PartitionCount:    71,
			ReplicationFactor: 20,
			Load:              1.25,
			Hasher:            hasher{},
		}
		ring = consistent.New(nil, cfg)
		for _, m := range members {
			ring.Add(member(m))
		}
	}

	o.mu.Lock()
	o.ring = ring
	o.mu.Unlock()
}

// Owner returns the member responsible for scheduleID.
func (o *Ownership) Owner(scheduleID string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.ring == nil {
		return o.self
	}
	m := o.ring.LocateKey([]byte(scheduleID))
	if m == nil {
		return o.self
	}
	return m.String()
}

// Owns reports whether this node arms scheduleID.
func (o *Ownership) Owns(scheduleID string) bool {
	return o.Owner(scheduleID) == o.self
}
