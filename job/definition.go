package job

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler executes one attempt of a job. Returning an error marks the
// attempt failed; the retry policy decides what happens next.
type Handler interface {
	Handle(ctx context.Context, j *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j *Job) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, j *Job) error { return f(ctx, j) }

// Definition binds a job type to a payload shape and a typed handler.
// The untyped Handler it exposes decodes the payload before invoking
// the typed function, surfacing decode failures as attempt errors.
type Definition[T any] struct {
	typ     Type
	handler func(ctx context.Context, j *Job, payload T) error
	opts    []Option
}

// Define builds a typed definition for typ.
func Define[T any](typ Type, handler func(ctx context.Context, j *Job, payload T) error, opts ...Option) *Definition[T] {
	return &Definition[T]{typ: typ, handler: handler, opts: opts}
}

// Type returns the job type the definition is bound to.
func (d *Definition[T]) Type() Type { return d.typ }

// Options returns the defaults applied to jobs enqueued through the
// definition.
func (d *Definition[T]) Options() []Option { return d.opts }

// Handler returns the untyped handler that decodes the payload and
// dispatches to the typed function.
func (d *Definition[T]) Handler() Handler {
	return HandlerFunc(func(ctx context.Context, j *Job) error {
		var payload T
		if len(j.Payload) > 0 {
			if err := json.Unmarshal(j.Payload, &payload); err != nil {
				return fmt.Errorf("keldris/job: decode %s payload: %w", d.typ, err)
			}
		}
		return d.handler(ctx, j, payload)
	})
}

// NewJob builds a pending job for the definition, encoding payload
// into the JSON envelope. Definition defaults apply before per-call
// options.
func (d *Definition[T]) NewJob(orgID string, payload T, opts ...Option) (*Job, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	all := make([]Option, 0, len(d.opts)+len(opts))
	all = append(all, d.opts...)
	all = append(all, opts...)
	return New(orgID, d.typ, raw, all...), nil
}
