package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ScriptedClient returns queued responses in order. Tests use it to stand in
// for a live model; it records every prompt it receives.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []string
	err       error

	Prompts      []string
	Systems      []string
	Temperatures []float64
}

// NewScriptedClient creates a client that plays back the given responses.
func NewScriptedClient(responses ...string) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Fail makes every subsequent call return err.
func (s *ScriptedClient) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Push appends more responses to the script.
func (s *ScriptedClient) Push(responses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, responses...)
}

// Calls returns how many prompts the client has served or rejected.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Prompts)
}

func (s *ScriptedClient) next() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", fmt.Errorf("scripted client: no responses left")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

// Complete returns the next scripted response.
func (s *ScriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem returns the next scripted response, recording the
// system and user prompts.
func (s *ScriptedClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Systems = append(s.Systems, system)
	s.Prompts = append(s.Prompts, prompt)
	return s.next()
}

// StreamWithTemperature records the requested temperature and streams the
// next scripted response.
func (s *ScriptedClient) StreamWithTemperature(ctx context.Context, turns []Turn, temperature float64, resultCh chan<- string) error {
	s.mu.Lock()
	s.Temperatures = append(s.Temperatures, temperature)
	s.mu.Unlock()
	return s.Stream(ctx, turns, resultCh)
}

// Stream splits the next scripted response on word boundaries and sends the
// pieces as deltas.
func (s *ScriptedClient) Stream(ctx context.Context, turns []Turn, resultCh chan<- string) error {
	s.mu.Lock()
	if len(turns) > 0 {
		last := turns[len(turns)-1]
		s.Prompts = append(s.Prompts, last.Text)
	}
	resp, err := s.next()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, token := range strings.SplitAfter(resp, " ") {
		if token == "" {
			continue
		}
		select {
		case resultCh <- token:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TranscribeImage returns the next scripted response for a vision prompt.
func (s *ScriptedClient) TranscribeImage(ctx context.Context, jpegData []byte, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prompts = append(s.Prompts, prompt)
	return s.next()
}
