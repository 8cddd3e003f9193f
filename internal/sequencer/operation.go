package sequencer

import (
	"github.com/google/uuid"
)

// OpStatus is the terminal state of a single order mutation.
type OpStatus string

const (
	OpPending   OpStatus = "PENDING"
	OpCommitted OpStatus = "COMMITTED"
	OpFailed    OpStatus = "FAILED"
)

// operation is one requested broker mutation (a cancel or a create) inside
// an apply call. Operations live and die within that call and are never
// shared across positions.
type operation struct {
	Seq           uint64
	ClientOrderID string
	Desc          string
	Status        OpStatus
	RetryCount    int
}

func (s *Sequencer) newOperation(desc string) *operation {
	return &operation{
		Seq:           s.seq.Add(1),
		ClientOrderID: uuid.New().String(),
		Desc:          desc,
		Status:        OpPending,
	}
}
