package connmgr

import (
	"context"
	"time"
)

// ConnectingOutput is what a pending handshake task resolves to: either the
// connection produced by a successful handshake, or the error that aborted
// it. maybeReply carries the originating Connect request's reply channel,
// present only for outbound dials; inbound accepts have no requester to
// answer. latency is the wall-clock time the handshake itself took, valid
// only when err is nil.
type ConnectingOutput struct {
	conn       *NewConnection
	err        error
	maybeReply chan<- ConnectResult
	latency    time.Duration
}

// abortOnDropTask wraps a goroutine performing a handshake so that the
// ConnectionManager can cancel it on shutdown instead of leaking it. The
// goroutine is expected to select on ctx.Done() at its own suspension
// points; Abort only requests cancellation, it does not wait for the
// goroutine to exit.
//
// A panic inside the task body is recovered here but deliberately not
// swallowed: it is re-raised in whichever goroutine calls Wait, so it still
// crashes the program (per the manager's contract of treating a handshake
// panic as a bug) instead of vanishing inside a detached goroutine with no
// other observer.
type abortOnDropTask struct {
	cancel  context.CancelFunc
	done    chan ConnectingOutput
	panicCh chan any
}

// spawnHandshakeTask launches fn on its own goroutine under a context
// derived from parent.
func spawnHandshakeTask(parent context.Context, fn func(ctx context.Context) ConnectingOutput) *abortOnDropTask {
	ctx, cancel := context.WithCancel(parent)
	t := &abortOnDropTask{
		cancel:  cancel,
		done:    make(chan ConnectingOutput, 1),
		panicCh: make(chan any, 1),
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.panicCh <- r
			}
		}()
		t.done <- fn(ctx)
	}()

	return t
}

// Abort cancels the task's context. The task's own handshake logic is
// responsible for observing cancellation and returning promptly; Abort does
// not forcibly stop the goroutine.
func (t *abortOnDropTask) Abort() {
	t.cancel()
}

// Wait blocks until the task resolves, re-panicking here if the task body
// panicked, or returns ctx's error if ctx is cancelled first.
func (t *abortOnDropTask) Wait(ctx context.Context) (ConnectingOutput, error) {
	select {
	case out := <-t.done:
		return out, nil
	case r := <-t.panicCh:
		panic(r)
	case <-ctx.Done():
		return ConnectingOutput{}, ctx.Err()
	}
}
