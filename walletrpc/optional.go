package walletrpc

import (
	"bytes"
	"encoding/json"

	"github.com/lightningnetwork/lnd/fn/v2"
)

type optionalState uint8

const (
	absent optionalState = iota
	null
	present
)

// Optional is a request field that may be absent, explicitly null, or set.
// Fields of this type should carry the omitzero tag option so that an absent
// value is left out of the encoded request.
type Optional[T any] struct {
	value T
	state optionalState
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, state: present}
}

// Null returns an Optional that encodes as an explicit JSON null.
func Null[T any]() Optional[T] {
	return Optional[T]{state: null}
}

// IsZero reports whether the value is absent.
func (o Optional[T]) IsZero() bool {
	return o.state == absent
}

// IsNull reports whether the value was explicitly null.
func (o Optional[T]) IsNull() bool {
	return o.state == null
}

// Get returns the value and whether it was set.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.state == present
}

// Option collapses absent and null into fn.None.
func (o Optional[T]) Option() fn.Option[T] {
	if o.state != present {
		return fn.None[T]()
	}
	return fn.Some(o.value)
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if o.state != present {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		var zero T
		o.value, o.state = zero, null
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	o.value, o.state = v, present
	return nil
}
