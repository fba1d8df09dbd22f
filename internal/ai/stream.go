package ai

import (
	"context"
	"fmt"
	"io"
	"strings"
)

const streamReadSize = 4096

// lineDecoder interprets one complete stream line. It returns the text
// fragment it carries (possibly empty), whether the line terminates the
// stream, and an error when the provider reported a failure in-band.
type lineDecoder func(line string) (fragment string, done bool, err error)

// emitter owns a stream's output channel and guarantees a single terminal
// event followed by close.
type emitter struct {
	ctx  context.Context
	out  chan Event
	text strings.Builder
}

func newEmitter(ctx context.Context) *emitter {
	return &emitter{ctx: ctx, out: make(chan Event, 16)}
}

func (e *emitter) fragment(s string) bool {
	e.text.WriteString(s)
	select {
	case e.out <- Event{Kind: EventFragment, Text: s}:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *emitter) complete() {
	e.finish(Event{Kind: EventCompleted, Text: e.text.String()})
}

func (e *emitter) fail(err error) {
	e.finish(Event{Kind: EventFailed, Text: e.text.String(), Err: err})
}

func (e *emitter) finish(ev Event) {
	select {
	case e.out <- ev:
	case <-e.ctx.Done():
		// the reader may be gone; deliver only if there is room
		select {
		case e.out <- ev:
		default:
		}
	}
	close(e.out)
}

// pump reads body until the decoder reports a terminator, an in-band error,
// the body ends or ctx is cancelled. Reaching EOF without a terminator counts
// as completion.
func pump(e *emitter, body io.Reader, decode lineDecoder) {
	var lines LineBuffer
	buf := make([]byte, streamReadSize)

	handle := func(line string) bool {
		frag, done, err := decode(line)
		if err != nil {
			e.fail(err)
			return true
		}
		if frag != "" && !e.fragment(frag) {
			e.fail(e.ctx.Err())
			return true
		}
		if done {
			e.complete()
			return true
		}
		return false
	}

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, line := range lines.Write(buf[:n]) {
				if handle(line) {
					return
				}
			}
		}
		if err == io.EOF {
			if line, ok := lines.Flush(); ok && handle(line) {
				return
			}
			e.complete()
			return
		}
		if err != nil {
			if ctxErr := e.ctx.Err(); ctxErr != nil {
				e.fail(ctxErr)
			} else {
				e.fail(fmt.Errorf("read stream failed: %w", err))
			}
			return
		}
	}
}

// dataPayload strips the "data:" marker. Lines without it are not events.
func dataPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

// failedStream returns a closed stream holding only err.
func failedStream(err error) <-chan Event {
	out := make(chan Event, 1)
	out <- Event{Kind: EventFailed, Err: err}
	close(out)
	return out
}
