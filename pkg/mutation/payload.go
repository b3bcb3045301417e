package mutation

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownKind = errors.New("mutation: unknown kind")

// Payload is the kind-specific body of a mutation. The interface is sealed:
// only the payload types in this package implement it, which keeps the
// kind/payload pairing a closed set.
type Payload interface {
	Kind() Kind
	payload()
}

// CreatePayload creates a new entity. ClientRef is the client-side temporary
// identifier used as the optimistic cache key until the server assigns one.
type CreatePayload struct {
	Fields    map[string]any `json:"fields"`
	ClientRef string         `json:"client_ref,omitempty"`
}

func (CreatePayload) Kind() Kind { return KindCreate }
func (CreatePayload) payload()   {}

// UpdatePayload applies a partial update to an existing entity.
type UpdatePayload struct {
	Fields map[string]any `json:"fields"`
}

func (UpdatePayload) Kind() Kind { return KindUpdate }
func (UpdatePayload) payload()   {}

// DeletePayload removes an existing entity.
type DeletePayload struct{}

func (DeletePayload) Kind() Kind { return KindDelete }
func (DeletePayload) payload()   {}

// ActionPayload invokes a domain verb against an existing entity, such as
// cancelling a request.
type ActionPayload struct {
	Verb string         `json:"verb"`
	Args map[string]any `json:"args,omitempty"`
}

func (ActionPayload) Kind() Kind { return KindAction }
func (ActionPayload) payload()   {}

// Encode serializes a typed payload for storage or transmission.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("mutation: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("mutation: encode %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// Decode recovers the typed payload for the given kind. Unknown kinds are an
// error rather than an opaque passthrough.
func Decode(kind Kind, data []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindCreate:
		p = &CreatePayload{}
	case KindUpdate:
		p = &UpdatePayload{}
	case KindDelete:
		p = &DeletePayload{}
	case KindAction:
		p = &ActionPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("mutation: decode %s payload: %w", kind, err)
	}
	switch v := p.(type) {
	case *CreatePayload:
		return *v, nil
	case *UpdatePayload:
		return *v, nil
	case *DeletePayload:
		return *v, nil
	case *ActionPayload:
		return *v, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}
