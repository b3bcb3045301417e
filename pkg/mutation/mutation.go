package mutation

import (
	"fmt"
	"time"
)

// Kind identifies a supported write operation. The set is closed: the store
// refuses to decode a payload whose kind is not listed here.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindAction Kind = "action"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindAction:
		return true
	}
	return false
}

// Status tracks a queued mutation through its lifecycle. Succeeded mutations
// are removed rather than given a status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
)

// ResourceKey identifies the server entity a cache entry or mutation
// concerns. ID may be empty for mutations that do not target a single
// existing entity.
type ResourceKey struct {
	Type string
	ID   string
}

func (k ResourceKey) String() string {
	if k.ID == "" {
		return k.Type
	}
	return k.Type + "/" + k.ID
}

func (k ResourceKey) IsZero() bool {
	return k.Type == "" && k.ID == ""
}

// QueuedMutation is one durable entry in the mutation log.
//
// IdempotencyKey is generated exactly once, when the mutation is appended,
// and is never regenerated on retry. Payload holds the encoded kind-specific
// payload; use Decode to recover the typed value.
type QueuedMutation struct {
	ID             string
	IdempotencyKey string
	Kind           Kind
	Payload        []byte
	Target         ResourceKey
	Status         Status
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
	NotBefore      time.Time
}

// Decode returns the typed payload carried by the mutation.
func (m *QueuedMutation) Decode() (Payload, error) {
	p, err := Decode(m.Kind, m.Payload)
	if err != nil {
		return nil, fmt.Errorf("mutation %s: %w", m.ID, err)
	}
	return p, nil
}
