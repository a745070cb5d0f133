// Package llm defines the Provider interface for the conversational language
// model behind the voice pipeline.
//
// Unlike a bare completion API, this interface is session-oriented: the
// provider keeps per-session conversation history so that the pipeline can
// stream a reply, record what was actually spoken, and correct the history
// when the user interrupts mid-sentence. Implementations must be safe for
// concurrent use across sessions; within one session callers serialize their
// requests.
package llm

import "context"

// Chunk is a single token or fragment emitted by a streaming reply.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop" for a natural end,
	// "length" when the token cap was reached, "error" when generation
	// failed after the stream opened.
	FinishReason string

	// Err carries the failure when FinishReason is "error".
	Err error
}

// Provider is the abstraction over any session-aware LLM backend.
type Provider interface {
	// CreateSession initialises conversation state for a session. Calling
	// it again for the same session resets the history.
	CreateSession(ctx context.Context, sessionID, systemPrompt string) error

	// Stream appends userText to the session's history, requests a reply
	// and returns a channel emitting Chunk values as tokens arrive. The
	// channel is closed when generation finishes or ctx is cancelled;
	// callers must drain it. On a clean finish the full reply is recorded
	// in the session history as the assistant turn.
	//
	// The error return is non-nil only when the stream cannot start, for
	// example for an unknown session.
	Stream(ctx context.Context, sessionID, userText string) (<-chan Chunk, error)

	// HandleInterruption corrects the session history after the user cut
	// off playback: the recorded assistant turn is truncated to spokenText,
	// the part the user actually heard, so the model does not believe it
	// said words that were never played. An empty spokenText removes the
	// assistant turn entirely.
	HandleInterruption(sessionID, spokenText string)

	// CleanupSession discards the session's history. Unknown sessions are
	// a no-op.
	CleanupSession(sessionID string)
}
