// Package errcodec implements the structural error codec: errors crossing a
// bus or snapshot boundary are encoded to a plain record (name, message, own
// properties, cause chain) and decoded back into a value that still supports
// errors.Is/errors.As, rather than relying on the lossy string form of
// error.Error().
package errcodec

import (
	"encoding/json"
	"errors"
)

// maxCauseDepth bounds cause-chain recursion on both encode and decode so a
// cyclic or pathological chain cannot blow the stack or produce an unbounded
// payload.
const maxCauseDepth = 16

// Named is implemented by errors that want a stable name distinct from their
// Go type name (mirroring JS errors' `name` field, e.g. "ValidationError").
type Named interface {
	ErrorName() string
}

// Propertied is implemented by errors that carry structured data beyond their
// message (mirroring JS errors' enumerable own properties, e.g. statusCode,
// code). Encode captures these under Encoded.OwnProps.
type Propertied interface {
	ErrorProperties() map[string]any
}

// Encoded is the structural, JSON-serializable form of an error.
type Encoded struct {
	Name      string         `json:"name"`
	Message   string         `json:"message"`
	OwnProps  map[string]any `json:"ownProps,omitempty"`
	Stack     string         `json:"stack,omitempty"`
	Cause     *Encoded       `json:"cause,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
}

// Encode converts an arbitrary error into its structural record, recursing
// into the cause chain up to maxCauseDepth.
func Encode(err error) *Encoded {
	return encodeDepth(err, 0)
}

func encodeDepth(err error, depth int) *Encoded {
	if err == nil {
		return nil
	}
	enc := &Encoded{
		Name:    errorName(err),
		Message: err.Error(),
	}
	if p, ok := err.(Propertied); ok {
		props := p.ErrorProperties()
		if len(props) > 0 {
			enc.OwnProps = props
		}
	}
	if depth >= maxCauseDepth {
		enc.Truncated = true
		return enc
	}
	if cause := errors.Unwrap(err); cause != nil {
		enc.Cause = encodeDepth(cause, depth+1)
	}
	return enc
}

func errorName(err error) string {
	if n, ok := err.(Named); ok {
		return n.ErrorName()
	}
	return "Error"
}

// Decode reconstructs an error value from its structural record. The result
// implements errors.Is/errors.As over the reconstructed cause chain and
// exposes Name/Properties via the Decoded type.
func Decode(enc *Encoded) error {
	if enc == nil {
		return nil
	}
	return decodeDepth(enc, 0)
}

// Decoded is the error value reconstructed by Decode. Name and Props mirror
// the fields captured at Encode time; Unwrap exposes the cause chain so
// errors.Is/errors.As work across a decoded value.
type Decoded struct {
	Name      string
	Message   string
	Props     map[string]any
	Truncated bool
	cause     error
}

func decodeDepth(enc *Encoded, depth int) error {
	d := &Decoded{
		Name:      enc.Name,
		Message:   enc.Message,
		Props:     enc.OwnProps,
		Truncated: enc.Truncated,
	}
	if enc.Cause != nil && depth < maxCauseDepth {
		d.cause = decodeDepth(enc.Cause, depth+1)
	}
	return d
}

func (d *Decoded) Error() string { return d.Message }

func (d *Decoded) Unwrap() error { return d.cause }

func (d *Decoded) ErrorName() string { return d.Name }

func (d *Decoded) ErrorProperties() map[string]any { return d.Props }

// MarshalJSON and UnmarshalJSON let Encoded travel as the `error` field of a
// StepResult or as a step.failed/run.finish event payload without a separate
// envelope type.
func (e *Encoded) MarshalJSON() ([]byte, error) {
	type alias Encoded
	return json.Marshal((*alias)(e))
}

func (e *Encoded) UnmarshalJSON(b []byte) error {
	type alias Encoded
	return json.Unmarshal(b, (*alias)(e))
}
