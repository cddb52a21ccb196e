package plexus

import "context"

// WrapStream wraps a channel of typed domain events into a channel of
// envelopes tagged with contentType. This is the core helper for the
// caller-wraps architecture: activations never construct envelopes
// directly, they hand the dispatcher a typed channel and a content-type
// constant. The returned channel is closed when items is closed or ctx is
// done; a marshal failure yields a single unrecoverable Error event.
func WrapStream[T any](ctx context.Context, items <-chan T, provenance Provenance, contentType string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-items:
				if !ok {
					return
				}
				ev, err := DataEvent(provenance, contentType, item)
				if err != nil {
					select {
					case out <- ErrorEvent(provenance, err.Error(), false):
					case <-ctx.Done():
					}
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// WrapStreamWithDone is WrapStream plus a trailing Done event once items
// closes without the context having been cancelled.
func WrapStreamWithDone[T any](ctx context.Context, items <-chan T, provenance Provenance, contentType string) <-chan Event {
	inner := WrapStream(ctx, items, provenance, contentType)
	out := make(chan Event)
	go func() {
		defer close(out)
		for ev := range inner {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- DoneEvent(provenance):
		case <-ctx.Done():
		}
	}()
	return out
}

// ErrorStream returns a single-item channel carrying an Error event.
func ErrorStream(provenance Provenance, message string, recoverable bool) <-chan Event {
	out := make(chan Event, 1)
	out <- ErrorEvent(provenance, message, recoverable)
	close(out)
	return out
}

// DoneStream returns a single-item channel carrying a Done event.
func DoneStream(provenance Provenance) <-chan Event {
	out := make(chan Event, 1)
	out <- DoneEvent(provenance)
	close(out)
	return out
}

// ProgressStream returns a single-item channel carrying a Progress event.
func ProgressStream(provenance Provenance, message string, percentage *float64) <-chan Event {
	out := make(chan Event, 1)
	out <- ProgressEvent(provenance, message, percentage)
	close(out)
	return out
}

// Chain concatenates channels of events in order, closing the result once
// every input has drained or ctx is done.
func Chain(ctx context.Context, streams ...<-chan Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for _, s := range streams {
			for ev := range s {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
