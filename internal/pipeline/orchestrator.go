// Package pipeline sequences one voice exchange end to end: validate and
// transcribe inbound audio, stream a generated reply, cut it into sentences,
// synthesize each sentence and deliver the converted audio over the session's
// real-time transport. It also owns the per-session interrupt state machine.
//
// # Flow
//
//  1. Inbound PCM is gated by the energy/speech-ratio validator.
//  2. The ASR provider produces a transcript; trivial transcripts end the
//     exchange with a no-speech notification.
//  3. The LLM reply streams through the sentence aggregator so synthesis can
//     start on the first sentence.
//  4. Each sentence is synthesized, transcoded to 48 kHz mono PCM, framed and
//     enqueued on the session's bounded queue.
//  5. A delivery goroutine drains the queue into the WebRTC track, marking
//     every frame in the delivery tracker. Playback pacing comes from the
//     track itself, which backpressures the whole chain.
//
// An interrupt stops new synthesis, cancels the active exchange, kills the
// transcoder, flushes and replaces the transport track and corrects the LLM
// history to the sentences that were actually handed to synthesis.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/parla-voice/parla/internal/observe"
	"github.com/parla-voice/parla/pkg/audio"
	"github.com/parla-voice/parla/pkg/audio/delivery"
	"github.com/parla-voice/parla/pkg/audio/queue"
	"github.com/parla-voice/parla/pkg/convert"
	"github.com/parla-voice/parla/pkg/provider/asr"
	"github.com/parla-voice/parla/pkg/provider/llm"
	"github.com/parla-voice/parla/pkg/provider/tts"
	"github.com/parla-voice/parla/pkg/text"
	"github.com/parla-voice/parla/pkg/transport/webrtc"
)

const (
	// cancelAwait bounds how long an interrupt waits for the cancelled
	// exchange to wind down before proceeding with teardown anyway.
	cancelAwait = 500 * time.Millisecond

	// trackReadyTimeout bounds how long synthesis waits for WebRTC
	// negotiation to finish before giving up on the utterance.
	trackReadyTimeout = 5 * time.Second

	// deliverPoll is the idle wait between queue polls in the delivery
	// goroutine.
	deliverPoll = 10 * time.Millisecond

	// minTranscriptChars is the shortest transcript treated as speech.
	minTranscriptChars = 2
)

// ErrUnknownSession is returned for operations on a session id that was never
// created or has already been cleaned up.
var ErrUnknownSession = errors.New("pipeline: unknown session")

// Transport is the slice of the WebRTC connection manager the pipeline
// drives. [webrtc.Manager] implements it; tests substitute a fake.
type Transport interface {
	WaitTrackReady(ctx context.Context, sessionID string) error
	PushAudio(ctx context.Context, sessionID string, frame []byte) error
	Flush(sessionID string) int
	ReplaceTrack(sessionID string) error
	Close(sessionID string)
}

var _ Transport = (*webrtc.Manager)(nil)

// Deps are the collaborators an [Orchestrator] drives. All fields except
// Validator, Metrics and Events are required.
type Deps struct {
	ASR       asr.Provider
	LLM       llm.Provider
	TTS       tts.Provider
	Queues    *queue.Manager
	Trackers  *delivery.Manager
	Conns     Transport
	Converter *convert.FFmpeg

	// Validator gates inbound audio before transcription. Nil disables
	// validation.
	Validator *audio.Validator

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Events defaults to [NopEvents].
	Events Events
}

// Config tunes per-exchange behavior.
type Config struct {
	// SystemPrompt seeds every LLM session.
	SystemPrompt string

	// InputSampleRate is the rate of inbound PCM handed to the ASR.
	InputSampleRate int

	// MinSentenceChars and MaxWaitChars configure the sentence aggregator.
	MinSentenceChars int
	MaxWaitChars     int

	// PutTimeout is how long a full chunk queue blocks before dropping.
	PutTimeout time.Duration
}

// Orchestrator owns the per-session voice exchange state machine. Safe for
// concurrent use across sessions; within a session, callers serialize audio
// submissions the way a single client naturally does.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id        string
	createdAt time.Time
	seq       atomic.Uint64

	mu        sync.Mutex
	listening bool
	speaking  bool
	spoken    []string
	task      *task
}

// task is one in-flight response. Its stop flag gates every enqueue so that
// no chunk queued after an interrupt is ever played.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	stop   atomic.Bool

	mu     sync.Mutex
	conv   *convert.Stream
	convIn *io.PipeWriter
}

func (t *task) setConverter(cs *convert.Stream, in *io.PipeWriter) {
	t.mu.Lock()
	t.conv, t.convIn = cs, in
	t.mu.Unlock()
}

// killConverter terminates the in-flight transcoder, if any. The input pipe is
// closed first so the transcoder's feeder never blocks on a dead process.
func (t *task) killConverter() {
	t.mu.Lock()
	cs, in := t.conv, t.convIn
	t.conv, t.convIn = nil, nil
	t.mu.Unlock()
	if cs == nil {
		return
	}
	if in != nil {
		in.CloseWithError(context.Canceled)
	}
	cs.Terminate()
}

// New constructs an Orchestrator from explicitly injected collaborators.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Events == nil {
		deps.Events = NopEvents{}
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = 16000
	}
	if cfg.PutTimeout <= 0 {
		cfg.PutTimeout = queue.DefaultPutTimeout
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// CreateSession initialises pipeline state for a new session: LLM history,
// chunk queue and delivery tracker.
func (o *Orchestrator) CreateSession(ctx context.Context, sessionID string) error {
	if err := o.deps.LLM.CreateSession(ctx, sessionID, o.cfg.SystemPrompt); err != nil {
		return err
	}
	o.deps.Queues.Get(sessionID)
	o.deps.Trackers.Get(sessionID)

	o.mu.Lock()
	o.sessions[sessionID] = &session{id: sessionID, createdAt: time.Now()}
	o.mu.Unlock()

	o.deps.Metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("voice session created", "session", sessionID)
	return nil
}

// CleanupSession tears down everything the session owns: the active exchange,
// LLM history, queue, tracker and peer connection. Unknown sessions are a
// no-op.
func (o *Orchestrator) CleanupSession(sessionID string) {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	delete(o.sessions, sessionID)
	o.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	tk := st.task
	st.task = nil
	st.mu.Unlock()
	stopAndAwait(tk)

	o.deps.LLM.CleanupSession(sessionID)
	o.deps.Queues.Remove(sessionID)
	o.deps.Trackers.Remove(sessionID)
	o.deps.Conns.Close(sessionID)

	o.deps.Metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("voice session cleaned up", "session", sessionID)
}

// IsSpeaking reports whether the session currently has a response playing.
func (o *Orchestrator) IsSpeaking(sessionID string) bool {
	st, err := o.get(sessionID)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.speaking
}

// Acknowledge records a client delivery acknowledgement for a chunk.
func (o *Orchestrator) Acknowledge(sessionID string, seq uint64) {
	if !o.deps.Trackers.Get(sessionID).MarkAcknowledged(seq) {
		slog.Debug("ack for unknown chunk", "session", sessionID, "seq", seq)
	}
}

// ProcessAudio runs one full exchange for an utterance of 16-bit mono PCM.
// Invalid or speechless audio ends the exchange quietly; provider failures
// are reported through the observer and leave the session usable. A new
// utterance arriving while a response is playing cancels that response first.
func (o *Orchestrator) ProcessAudio(ctx context.Context, sessionID string, pcm []byte) error {
	st, err := o.get(sessionID)
	if err != nil {
		return err
	}

	if v := o.deps.Validator; v != nil {
		res := v.Validate(pcm)
		if !res.Valid {
			slog.Debug("audio rejected by validator",
				"session", sessionID,
				"reason", res.Reason,
				"energy", res.Energy,
				"speech_ratio", res.SpeechRatio,
			)
			return nil
		}
	}

	st.setListening(true)
	defer st.setListening(false)

	start := time.Now()
	tr, err := o.deps.ASR.Transcribe(ctx, pcm, o.cfg.InputSampleRate)
	o.deps.Metrics.ASRDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		o.deps.Metrics.RecordProviderError(ctx, "asr", "transcribe")
		o.deps.Events.OnError(sessionID, "asr_error", err)
		return nil
	}

	transcript := strings.TrimSpace(tr.Text)
	if utf8.RuneCountInString(transcript) < minTranscriptChars {
		o.deps.Events.OnNoSpeech(sessionID)
		return nil
	}

	slog.Info("transcript", "session", sessionID, "text", transcript)
	o.deps.Events.OnTranscript(sessionID, transcript)

	o.respond(ctx, st, transcript)
	return nil
}

// Interrupt executes the interrupt protocol for a session and returns the
// measured end-to-end latency: stop flag, cancel-and-await, transcoder kill,
// queue clear, track flush and replace, LLM history correction, observer
// notification. Safe to call when nothing is playing.
func (o *Orchestrator) Interrupt(ctx context.Context, sessionID, reason string) (time.Duration, error) {
	st, err := o.get(sessionID)
	if err != nil {
		return 0, err
	}
	start := time.Now()

	st.mu.Lock()
	tk := st.task
	st.task = nil
	spoken := strings.TrimSpace(strings.Join(st.spoken, " "))
	st.spoken = nil
	st.mu.Unlock()

	stopAndAwait(tk)
	if tk != nil {
		tk.killConverter()
	}

	dropped := o.deps.Queues.Get(sessionID).Clear()
	flushed := o.deps.Conns.Flush(sessionID)
	if err := o.deps.Conns.ReplaceTrack(sessionID); err != nil && !errors.Is(err, webrtc.ErrNoConnection) {
		slog.Warn("track replace after interrupt failed", "session", sessionID, "error", err)
	}

	o.deps.LLM.HandleInterruption(sessionID, spoken)

	st.mu.Lock()
	st.speaking = false
	st.mu.Unlock()

	elapsed := time.Since(start)
	o.deps.Metrics.RecordInterrupt(ctx, elapsed)
	o.deps.Events.OnInterrupted(sessionID, reason, elapsed)
	slog.Info("interrupt executed",
		"session", sessionID,
		"reason", reason,
		"elapsed", elapsed,
		"queue_dropped", dropped,
		"track_flushed", flushed,
	)
	return elapsed, nil
}

// QueueHealth exposes the per-session queue health snapshots.
func (o *Orchestrator) QueueHealth() map[string]queue.Health {
	return o.deps.Queues.Health()
}

// DeliveryMetrics exposes the per-session delivery tracker snapshots.
func (o *Orchestrator) DeliveryMetrics() map[string]delivery.Metrics {
	return o.deps.Trackers.Metrics()
}

// ─── Response streaming ───────────────────────────────────────────────────────

// respond runs generation, aggregation, synthesis and delivery for one
// transcript. It returns after the last frame has been handed to the
// transport or the exchange was cancelled.
func (o *Orchestrator) respond(ctx context.Context, st *session, userText string) {
	taskCtx, cancel := context.WithCancel(ctx)
	tk := &task{cancel: cancel, done: make(chan struct{})}

	st.mu.Lock()
	prev := st.task
	st.mu.Unlock()
	stopAndAwait(prev)

	st.mu.Lock()
	st.task = tk
	st.listening = false
	st.speaking = true
	st.spoken = nil
	st.mu.Unlock()

	defer func() {
		cancel()
		close(tk.done)
		st.mu.Lock()
		st.speaking = false
		if st.task == tk {
			st.task = nil
		}
		st.mu.Unlock()
	}()

	respStart := time.Now()
	tokens, err := o.deps.LLM.Stream(taskCtx, st.id, userText)
	if err != nil {
		o.deps.Metrics.RecordProviderError(ctx, "llm", "stream")
		o.deps.Events.OnError(st.id, "llm_error", err)
		return
	}

	sentences, reply, err := o.collect(taskCtx, tokens, respStart)
	if err != nil {
		if taskCtx.Err() == nil {
			o.deps.Metrics.RecordProviderError(ctx, "llm", "generate")
			o.deps.Events.OnError(st.id, "llm_error", err)
		}
		return
	}
	if reply == "" {
		o.deps.Events.OnNoSpeech(st.id)
		return
	}
	o.deps.Events.OnAgentResponse(st.id, reply)

	q := o.deps.Queues.Get(st.id)
	trk := o.deps.Trackers.Get(st.id)
	prodDone := make(chan struct{})
	consDone := make(chan struct{})
	go o.deliver(taskCtx, tk, st.id, q, trk, prodDone, consDone)

	completed := true
	for _, sentence := range sentences {
		if tk.stop.Load() || taskCtx.Err() != nil {
			completed = false
			break
		}
		o.deps.Events.OnSentence(st.id, sentence)
		st.mu.Lock()
		st.spoken = append(st.spoken, sentence)
		st.mu.Unlock()
		if err := o.speak(taskCtx, tk, st, q, sentence); err != nil {
			completed = false
			break
		}
	}

	close(prodDone)
	select {
	case <-consDone:
	case <-taskCtx.Done():
	}

	if completed && !tk.stop.Load() && taskCtx.Err() == nil {
		o.deps.Metrics.ResponseDuration.Record(ctx, time.Since(respStart).Seconds())
		o.deps.Events.OnStreamingComplete(st.id)
	}
}

// collect drains the token stream through the sentence aggregator, returning
// the ordered sentences and the full reply text.
func (o *Orchestrator) collect(ctx context.Context, tokens <-chan llm.Chunk, start time.Time) ([]string, string, error) {
	agg := text.New(text.Config{
		MinChars:     o.cfg.MinSentenceChars,
		MaxWaitChars: o.cfg.MaxWaitChars,
	})
	var (
		sentences []string
		full      strings.Builder
		first     = true
	)
	for chunk := range tokens {
		if ctx.Err() != nil {
			go drainTokens(tokens)
			return nil, "", ctx.Err()
		}
		if chunk.Err != nil {
			go drainTokens(tokens)
			return nil, "", chunk.Err
		}
		if chunk.Text == "" {
			continue
		}
		if first {
			o.deps.Metrics.LLMFirstToken.Record(ctx, time.Since(start).Seconds())
			first = false
		}
		full.WriteString(chunk.Text)
		sentences = append(sentences, agg.AddToken(chunk.Text)...)
	}
	if rest, ok := agg.Flush(); ok {
		sentences = append(sentences, rest)
	}
	return sentences, strings.TrimSpace(full.String()), nil
}

// speak synthesizes one sentence and enqueues its 20 ms PCM frames on the
// session queue, transcoding through ffmpeg when the TTS emits compressed
// audio. Observer errors are emitted here; the returned error only signals
// that the rest of the response should be abandoned.
func (o *Orchestrator) speak(ctx context.Context, tk *task, st *session, q *queue.Queue, sentence string) error {
	wctx, wcancel := context.WithTimeout(ctx, trackReadyTimeout)
	err := o.deps.Conns.WaitTrackReady(wctx, st.id)
	wcancel()
	if err != nil {
		if ctx.Err() == nil {
			o.deps.Events.OnError(st.id, "webrtc_not_ready", err)
		}
		return err
	}

	ttsStart := time.Now()
	chunks, err := o.deps.TTS.StreamAudio(ctx, sentence)
	if err != nil {
		o.deps.Metrics.RecordProviderError(ctx, "tts", "stream")
		o.deps.Events.OnError(st.id, "tts_error", err)
		return err
	}

	if o.deps.TTS.OutputFormat() == audio.FormatPCM {
		return o.enqueuePCM(ctx, tk, st, q, chunks, ttsStart)
	}
	return o.enqueueConverted(ctx, tk, st, q, chunks, ttsStart)
}

// enqueuePCM frames raw TTS output directly onto the queue.
func (o *Orchestrator) enqueuePCM(ctx context.Context, tk *task, st *session, q *queue.Queue, chunks <-chan []byte, ttsStart time.Time) error {
	var buf []byte
	first := true
	for chunk := range chunks {
		if tk.stop.Load() || ctx.Err() != nil {
			go drainBytes(chunks)
			return ctx.Err()
		}
		if first {
			o.deps.Metrics.TTSFirstChunk.Record(ctx, time.Since(ttsStart).Seconds())
			first = false
		}
		buf = o.enqueueFrames(ctx, tk, st, q, append(buf, chunk...))
	}
	o.enqueueRemainder(ctx, tk, st, q, buf)
	return nil
}

// enqueueConverted pipes compressed TTS output through ffmpeg and frames the
// resulting PCM onto the queue. The converter is registered on the task so an
// interrupt can kill it mid-sentence.
func (o *Orchestrator) enqueueConverted(ctx context.Context, tk *task, st *session, q *queue.Queue, chunks <-chan []byte, ttsStart time.Time) error {
	pr, pw := io.Pipe()
	cs, err := o.deps.Converter.Stream(ctx, pr)
	if err != nil {
		go drainBytes(chunks)
		o.deps.Events.OnError(st.id, "convert_error", err)
		return err
	}
	tk.setConverter(cs, pw)

	// Feed TTS chunks into the transcoder. A write error means the
	// transcoder died (interrupt or failure); drain the provider and stop.
	go func() {
		first := true
		for chunk := range chunks {
			if tk.stop.Load() || ctx.Err() != nil {
				pw.CloseWithError(context.Canceled)
				drainBytes(chunks)
				return
			}
			if first {
				o.deps.Metrics.TTSFirstChunk.Record(ctx, time.Since(ttsStart).Seconds())
				first = false
			}
			if _, err := pw.Write(chunk); err != nil {
				drainBytes(chunks)
				return
			}
		}
		pw.Close()
	}()

	var buf []byte
	for out := range cs.Out() {
		if tk.stop.Load() {
			// Nobody will drain the transcoder past this point, so it
			// must die here even if the interrupt already nilled the
			// task's reference.
			cs.Terminate()
			break
		}
		buf = o.enqueueFrames(ctx, tk, st, q, append(buf, out...))
	}
	o.enqueueRemainder(ctx, tk, st, q, buf)

	tk.setConverter(nil, nil)
	if err := cs.Err(); err != nil && ctx.Err() == nil && !tk.stop.Load() {
		if !errors.Is(err, convert.ErrNoOutput) {
			o.deps.Events.OnError(st.id, "convert_error", err)
			return err
		}
	}
	return nil
}

// enqueueFrames puts every complete frame in buf on the queue and returns the
// unframed remainder.
func (o *Orchestrator) enqueueFrames(ctx context.Context, tk *task, st *session, q *queue.Queue, buf []byte) []byte {
	for len(buf) >= webrtc.FrameBytes {
		if tk.stop.Load() || ctx.Err() != nil {
			return buf[:0]
		}
		frame := make([]byte, webrtc.FrameBytes)
		copy(frame, buf)
		buf = buf[webrtc.FrameBytes:]
		o.put(ctx, st, q, frame, false)
	}
	return buf
}

// enqueueRemainder flushes a trailing partial frame; the track zero-pads it.
func (o *Orchestrator) enqueueRemainder(ctx context.Context, tk *task, st *session, q *queue.Queue, buf []byte) {
	if len(buf) == 0 || tk.stop.Load() || ctx.Err() != nil {
		return
	}
	frame := make([]byte, len(buf))
	copy(frame, buf)
	o.put(ctx, st, q, frame, true)
}

func (o *Orchestrator) put(ctx context.Context, st *session, q *queue.Queue, frame []byte, final bool) {
	c := audio.Chunk{
		Data:       frame,
		Format:     audio.FormatPCM,
		SampleRate: webrtc.TrackSampleRate,
		Channels:   1,
		Sequence:   st.seq.Add(1),
		Timestamp:  time.Now(),
		Final:      final,
	}
	if !q.Put(c, o.cfg.PutTimeout) {
		o.deps.Metrics.RecordChunkDropped(ctx, "queue_timeout")
	}
}

// deliver drains the session queue into the WebRTC connection, marking every
// frame sent in the delivery tracker. It exits once the producer side is done
// and the queue is empty, or when the exchange is cancelled.
func (o *Orchestrator) deliver(ctx context.Context, tk *task, sessionID string, q *queue.Queue, trk *delivery.Tracker, prodDone, consDone chan struct{}) {
	defer close(consDone)
	for {
		entry, ok := q.Get()
		if ok {
			if tk.stop.Load() {
				continue
			}
			c := entry.Chunk
			trk.MarkSent(c.Sequence, len(c.Data))
			if err := o.deps.Conns.PushAudio(ctx, sessionID, c.Data); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("audio push failed",
					"session", sessionID, "seq", c.Sequence,
					"lost_audio", c.Duration(), "error", err)
				continue
			}
			o.deps.Metrics.RecordChunkDelivered(ctx)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-prodDone:
			if q.Len() == 0 {
				return
			}
		case <-time.After(deliverPoll):
		}
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (o *Orchestrator) get(sessionID string) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return st, nil
}

func (st *session) setListening(v bool) {
	st.mu.Lock()
	st.listening = v
	if v {
		st.speaking = false
	}
	st.mu.Unlock()
}

// stopAndAwait sets the stop flag, cancels the task and waits a bounded time
// for it to finish. A timeout means "proceed anyway", never an error.
func stopAndAwait(tk *task) {
	if tk == nil {
		return
	}
	tk.stop.Store(true)
	tk.cancel()
	select {
	case <-tk.done:
	case <-time.After(cancelAwait):
	}
}

func drainTokens(ch <-chan llm.Chunk) {
	for range ch {
	}
}

func drainBytes(ch <-chan []byte) {
	for range ch {
	}
}
