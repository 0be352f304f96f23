package pipeline

import "context"

// Next continues the pipeline with the following step.
type Next func(ctx context.Context) error

// Step is a named unit of work over a pipeline context. A step may short-circuit the
// pipeline by returning without calling next.
type Step[C any] interface {
	Name() string
	Invoke(ctx context.Context, c C, next Next) error
}

type (
	IncomingEnvelopeStep = Step[*IncomingEnvelopeContext]
	IncomingMessageStep  = Step[*IncomingMessageContext]
	OutgoingMessageStep  = Step[*OutgoingMessageContext]
	OutgoingEnvelopeStep = Step[*OutgoingEnvelopeContext]
)

type stepFunc[C any] struct {
	name string
	fn   func(ctx context.Context, c C, next Next) error
}

func (s stepFunc[C]) Name() string { return s.name }

func (s stepFunc[C]) Invoke(ctx context.Context, c C, next Next) error { return s.fn(ctx, c, next) }

// NewStep adapts a function into a Step.
func NewStep[C any](name string, fn func(ctx context.Context, c C, next Next) error) Step[C] {
	return stepFunc[C]{name: name, fn: fn}
}

// chain returns an immutable copy of steps with final appended.
func chain[C any](steps []Step[C], final Step[C]) []Step[C] {
	out := make([]Step[C], 0, len(steps)+1)
	out = append(out, steps...)

	return append(out, final)
}

// run drives steps in order. The traversal state is the index captured per call,
// so the same slice is safe to run concurrently.
func run[C any](ctx context.Context, steps []Step[C], c C) error {
	var at func(ctx context.Context, i int) error

	at = func(ctx context.Context, i int) error {
		if i >= len(steps) {
			return nil
		}

		return steps[i].Invoke(ctx, c, func(ctx context.Context) error { return at(ctx, i+1) })
	}

	return at(ctx, 0)
}

func names[C any](steps []Step[C]) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name()
	}

	return out
}
