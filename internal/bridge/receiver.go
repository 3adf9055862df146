package bridge

import (
	"context"
	"io"
)

// receiveChunkSize bounds a single inbound body read.
const receiveChunkSize = 32 * 1024

// Receiver is the pull interface for inbound body chunks. Chunks are fed by
// a background pump until the body is exhausted or the caller disconnects.
type Receiver struct {
	ch  chan []byte
	err error // set by the pump before closing ch
}

func NewReceiver() *Receiver {
	return &Receiver{ch: make(chan []byte)}
}

// Next returns the next body chunk. ok is false once the body is exhausted;
// a non-nil error means the inbound side failed (e.g. disconnect mid-body).
func (r *Receiver) Next(ctx context.Context) (chunk []byte, ok bool, err error) {
	select {
	case c, open := <-r.ch:
		if !open {
			return nil, false, r.err
		}
		return c, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Reader adapts the receiver to io.Reader for handlers that want a plain
// body stream.
func (r *Receiver) Reader(ctx context.Context) io.Reader {
	return &receiverReader{ctx: ctx, r: r}
}

type receiverReader struct {
	ctx context.Context
	r   *Receiver
	buf []byte
}

func (rr *receiverReader) Read(p []byte) (int, error) {
	for len(rr.buf) == 0 {
		chunk, ok, err := rr.r.Next(rr.ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, io.EOF
		}
		rr.buf = chunk
	}
	n := copy(p, rr.buf)
	rr.buf = rr.buf[n:]
	return n, nil
}

// pump reads body chunks into the receiver until EOF, read failure, or ctx
// cancellation. Failures are surfaced through Next, not returned, so a
// disconnect does not tear down the dispatch task on its own.
func (r *Receiver) pump(ctx context.Context, body io.Reader) {
	defer close(r.ch)
	if body == nil {
		return
	}
	for {
		buf := make([]byte, receiveChunkSize)
		n, err := body.Read(buf)
		if n > 0 {
			select {
			case r.ch <- buf[:n]:
			case <-ctx.Done():
				r.err = ctx.Err()
				return
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			r.err = err
			return
		}
		if ctx.Err() != nil {
			r.err = ctx.Err()
			return
		}
	}
}
