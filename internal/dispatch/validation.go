package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/mercury/internal/model"
)

// Validation returns middleware that runs the validator declared for the
// message type and short-circuits when the payload is rejected.
func Validation() Middleware {
	return func(ctx context.Context, rc *RequestContext, payload json.RawMessage, next Next) (any, error) {
		if rc.validate != nil {
			if err := rc.validate(payload); err != nil {
				if !errors.Is(err, model.ErrValidation) {
					err = fmt.Errorf("%w: %w", model.ErrValidation, err)
				}
				return nil, err
			}
		}
		return next(ctx)
	}
}

// Validatable is a payload type that checks its own fields.
type Validatable interface {
	Validate() error
}

// Decode strictly decodes payload into T. Unknown fields are rejected, and
// an empty payload decodes to the zero value.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return v, fmt.Errorf("%w: trailing data after payload", model.ErrValidation)
	}
	return v, nil
}

// Schema returns a validator that decodes the payload into T and, when T
// implements Validatable, checks it.
func Schema[T any]() Validator {
	return func(payload json.RawMessage) error {
		v, err := Decode[T](payload)
		if err != nil {
			return err
		}
		if val, ok := any(&v).(Validatable); ok {
			if err := val.Validate(); err != nil {
				return fmt.Errorf("%w: %w", model.ErrValidation, err)
			}
		}
		return nil
	}
}
