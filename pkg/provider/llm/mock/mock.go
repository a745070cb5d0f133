// Package mock provides a test double for the llm package interface.
//
// Set Reply to control the tokens emitted by Stream; Interruptions and
// Cleaned record lifecycle calls for inspection.
package mock

import (
	"context"
	"sync"

	"github.com/parla-voice/parla/pkg/provider/llm"
)

// Interruption records a single HandleInterruption call.
type Interruption struct {
	SessionID  string
	SpokenText string
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Reply is emitted by Stream one element per chunk, followed by a
	// final chunk with FinishReason "stop".
	Reply []string

	// StreamErr, if non-nil, is returned from Stream.
	StreamErr error

	// Sessions records CreateSession calls keyed by session ID, holding
	// the system prompt.
	Sessions map[string]string

	// Prompts records the user text passed to each Stream call.
	Prompts []string

	// Interruptions records every HandleInterruption call.
	Interruptions []Interruption

	// Cleaned records every CleanupSession call.
	Cleaned []string
}

var _ llm.Provider = (*Provider)(nil)

// CreateSession records the session and its system prompt.
func (p *Provider) CreateSession(_ context.Context, sessionID, systemPrompt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Sessions == nil {
		p.Sessions = make(map[string]string)
	}
	p.Sessions[sessionID] = systemPrompt
	return nil
}

// Stream emits Reply as one chunk per element, honouring ctx cancellation.
func (p *Provider) Stream(ctx context.Context, _ string, userText string) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.Prompts = append(p.Prompts, userText)
	reply := p.Reply
	err := p.StreamErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, tok := range reply {
			select {
			case ch <- llm.Chunk{Text: tok}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.Chunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// HandleInterruption records the call.
func (p *Provider) HandleInterruption(sessionID, spokenText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Interruptions = append(p.Interruptions, Interruption{SessionID: sessionID, SpokenText: spokenText})
}

// CleanupSession records the call.
func (p *Provider) CleanupSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Cleaned = append(p.Cleaned, sessionID)
}

// LastInterruption returns the most recent interruption, if any.
func (p *Provider) LastInterruption() (Interruption, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Interruptions) == 0 {
		return Interruption{}, false
	}
	return p.Interruptions[len(p.Interruptions)-1], true
}
