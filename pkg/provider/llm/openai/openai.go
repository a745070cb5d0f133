// Package openai provides a session-aware LLM provider backed by the OpenAI
// chat completions API. It implements the llm.Provider interface.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/parla-voice/parla/pkg/provider/llm"
)

// maxHistoryMessages bounds per-session history so long conversations do not
// grow the prompt without limit. Oldest turns are dropped in pairs.
const maxHistoryMessages = 40

// interruptedMarker is appended to a truncated assistant turn so the model
// knows its reply was cut off.
const interruptedMarker = " (interrupted)"

// Option is a functional option for Provider.
type Option func(*config)

type config struct {
	baseURL     string
	timeout     time.Duration
	temperature float64
	maxTokens   int
}

// WithBaseURL overrides the default OpenAI API base URL, e.g. to point at a
// local vLLM or Ollama instance.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = n }
}

type message struct {
	role    string // "user" or "assistant"
	content string
}

type session struct {
	systemPrompt string
	history      []message
}

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client      oai.Client
	model       string
	temperature float64
	maxTokens   int

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a Provider. apiKey and model must be non-empty.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
		sessions:    make(map[string]*session),
	}, nil
}

var _ llm.Provider = (*Provider)(nil)

// CreateSession implements llm.Provider.
func (p *Provider) CreateSession(_ context.Context, sessionID, systemPrompt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[sessionID] = &session{systemPrompt: systemPrompt}
	return nil
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, sessionID, userText string) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("openai: unknown session %q", sessionID)
	}
	params := p.buildParams(s, userText)
	p.mu.Unlock()

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		var full strings.Builder
		finished := ""
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finished = choice.FinishReason
			}
			full.WriteString(choice.Delta.Content)

			out := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Err: fmt.Errorf("openai: stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		if finished != "" {
			p.record(sessionID, userText, full.String())
		}
	}()
	return ch, nil
}

// HandleInterruption implements llm.Provider.
func (p *Provider) HandleInterruption(sessionID, spokenText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok || len(s.history) == 0 {
		return
	}
	last := len(s.history) - 1
	if s.history[last].role != "assistant" {
		return
	}
	spoken := strings.TrimSpace(spokenText)
	if spoken == "" {
		s.history = s.history[:last]
		return
	}
	s.history[last].content = spoken + interruptedMarker
}

// CleanupSession implements llm.Provider.
func (p *Provider) CleanupSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}

// record appends the completed turn to the session history, trimming the
// oldest turns once the cap is exceeded.
func (p *Provider) record(sessionID, userText, reply string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		// Session was cleaned up while streaming.
		return
	}
	s.history = append(s.history,
		message{role: "user", content: userText},
		message{role: "assistant", content: reply},
	)
	if len(s.history) > maxHistoryMessages {
		s.history = s.history[len(s.history)-maxHistoryMessages:]
	}
}

func (p *Provider) buildParams(s *session, userText string) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion
	if s.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(s.systemPrompt))
	}
	for _, m := range s.history {
		switch m.role {
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.content))
		default:
			messages = append(messages, oai.UserMessage(m.content))
		}
	}
	messages = append(messages, oai.UserMessage(userText))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if p.temperature != 0 {
		params.Temperature = param.NewOpt(p.temperature)
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(p.maxTokens))
	}
	return params
}
