package llm

import "context"

// TokenEvent is one notification from a token stream: a token, or exactly one
// terminal event carrying Done or Err.
type TokenEvent struct {
	Token string
	Err   error
	Done  bool
}

// Terminal reports whether the event ends the stream.
func (e TokenEvent) Terminal() bool { return e.Done || e.Err != nil }

// Stream subscribes to gen and delivers its output as TokenEvents. The channel
// is unbuffered so a slow reader pauses generation; it yields tokens, then one
// terminal event, then closes. Cancelling ctx unsubscribes: generation stops
// and no terminal event is guaranteed.
func Stream(ctx context.Context, gen Generator, req Request) <-chan TokenEvent {
	out := make(chan TokenEvent)
	go func() {
		defer close(out)
		err := gen.Generate(ctx, req, func(chunk Chunk) error {
			if chunk.Content == "" {
				return nil
			}
			select {
			case out <- TokenEvent{Token: chunk.Content}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		terminal := TokenEvent{Done: true}
		if err != nil {
			terminal = TokenEvent{Err: err}
		}
		select {
		case out <- terminal:
		case <-ctx.Done():
		}
	}()
	return out
}
