package bridge

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"
)

// DispatchFunc runs the user call. It receives the request scope, the
// receive-queue reader, and a Sender in place of a real send channel.
type DispatchFunc func(ctx context.Context, scope Scope, recv *Receiver, send Sender) error

// EmitFunc delivers one batch of outbound messages to the caller. Batching
// amortizes the per-transfer cost under high message rates.
type EmitFunc func(batch []Message) error

// Run bridges a message-oriented HTTP exchange onto the dispatch path.
//
// A background pump feeds inbound body chunks to the receiver while the
// dispatch runs concurrently, pushing outbound messages into an accumulator.
// The loop waits on whichever happens first, dispatch completion or >=1
// buffered message, and emits all buffered messages as a single batch on
// each wake. Every exit path cancels the pump and joins the dispatch task;
// the dispatch error, if any, is returned after cleanup.
func Run(ctx context.Context, scope Scope, body io.Reader, dispatch DispatchFunc, emit EmitFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recv := NewReceiver()
	queue := NewMessageQueue()

	// The pump can be parked inside body.Read, which is not context-aware,
	// so it is cancelled but never joined: Run must return as soon as the
	// dispatch is done even when the inbound body is stalled. The transport
	// closes the body once the handler returns, which unblocks the read and
	// lets the pump drain out on its own.
	go recv.pump(ctx, body)

	g, gctx := errgroup.WithContext(ctx)
	dispatchDone := make(chan error, 1)
	g.Go(func() error {
		dispatchDone <- dispatch(gctx, scope, recv, queue)
		return nil
	})
	// The dispatch error is reported through dispatchDone rather than the
	// group so cleanup always runs before it is surfaced.
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	for {
		select {
		case err := <-dispatchDone:
			// Dispatch finished: everything it sent is already buffered.
			if batch := queue.DrainNowait(); len(batch) > 0 {
				if emitErr := emit(batch); emitErr != nil && err == nil {
					err = emitErr
				}
			}
			return err
		case <-queue.Ready():
			if batch := queue.DrainNowait(); len(batch) > 0 {
				if err := emit(batch); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
