package pipeline

import "time"

// Events is the typed observer for pipeline progress. The session layer
// implements it to forward progress to the client as JSON events; tests
// implement it to assert ordering. All methods are called from pipeline
// goroutines and must not block for long.
type Events interface {
	// OnTranscript fires once per utterance when transcription yields
	// non-trivial text.
	OnTranscript(sessionID, text string)

	// OnAgentResponse fires once per utterance with the complete generated
	// reply, before any sentence is synthesized.
	OnAgentResponse(sessionID, text string)

	// OnSentence fires for each sentence as it is handed to synthesis.
	OnSentence(sessionID, text string)

	// OnStreamingComplete fires after the last audio chunk of an
	// uninterrupted response has been handed to the transport.
	OnStreamingComplete(sessionID string)

	// OnNoSpeech fires when an utterance produced no usable transcript.
	OnNoSpeech(sessionID string)

	// OnInterrupted fires exactly once per executed interrupt, with the
	// measured end-to-end interrupt latency.
	OnInterrupted(sessionID, reason string, elapsed time.Duration)

	// OnError fires for session-scoped failures. kind is a stable
	// identifier such as "asr_error" or "tts_error".
	OnError(sessionID, kind string, err error)
}

// NopEvents is an [Events] implementation that ignores every notification.
// It is the default when no observer is injected.
type NopEvents struct{}

var _ Events = NopEvents{}

func (NopEvents) OnTranscript(string, string)                 {}
func (NopEvents) OnAgentResponse(string, string)              {}
func (NopEvents) OnSentence(string, string)                   {}
func (NopEvents) OnStreamingComplete(string)                  {}
func (NopEvents) OnNoSpeech(string)                           {}
func (NopEvents) OnInterrupted(string, string, time.Duration) {}
func (NopEvents) OnError(string, string, error)               {}
