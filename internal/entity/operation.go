package entity

import "fmt"

// Operation is the kind of mutation a queue item carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

func (o Operation) String() string {
	return string(o)
}

// QueueStatus is the lifecycle state of a queue item. Done items are deleted, never stored.
type QueueStatus string

const (
	StatusPending  QueueStatus = "pending"
	StatusInFlight QueueStatus = "in_flight"
	StatusFailed   QueueStatus = "failed"
	StatusDone     QueueStatus = "done"
)

func ParseQueueStatus(s string) (QueueStatus, error) {
	switch st := QueueStatus(s); st {
	case StatusPending, StatusInFlight, StatusFailed, StatusDone:
		return st, nil
	case "in-flight":
		return StatusInFlight, nil
	}
	return "", fmt.Errorf("unknown queue status %q", s)
}

func (s QueueStatus) String() string {
	return string(s)
}
