package agenda

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// Processor runs a job and reports completion exactly once through done.
// Calls after the first are ignored. A panic counts as a failure.
type Processor interface {
	Process(ctx context.Context, job *Job, done func(error))
}

// CallbackProcessor completes when it calls done, possibly from another
// goroutine.
type CallbackProcessor func(ctx context.Context, job *Job, done func(error))

func (f CallbackProcessor) Process(ctx context.Context, job *Job, done func(error)) {
	f(ctx, job, done)
}

// ProcessorFunc completes when it returns.
type ProcessorFunc func(ctx context.Context, job *Job) error

func (f ProcessorFunc) Process(ctx context.Context, job *Job, done func(error)) {
	done(f(ctx, job))
}

// FutureProcessor completes when the returned channel yields a value or is
// closed. A nil channel completes immediately.
type FutureProcessor func(ctx context.Context, job *Job) <-chan error

func (f FutureProcessor) Process(ctx context.Context, job *Job, done func(error)) {
	ch := f(ctx, job)
	if ch == nil {
		done(nil)
		return
	}

	go func() {
		done(<-ch)
	}()
}

func invoke(ctx context.Context, p Processor, job *Job) error {
	result := make(chan error, 1)
	var once sync.Once
	done := func(err error) {
		once.Do(func() {
			result <- err
		})
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				done(errors.Newf("job panicked: %v", r))
			}
		}()

		p.Process(ctx, job, done)
	}()

	return <-result
}
