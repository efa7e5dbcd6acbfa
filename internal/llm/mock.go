package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter provides deterministic local replies when no brain backend is
// configured. Replies stream word by word so the TTS path stays exercised.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		words := strings.Split(text, " ")
		for i, word := range words {
			delta := word
			if i < len(words)-1 {
				delta += " "
			}
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		return "I am listening. Please describe how you are feeling."
	}

	if len(req.TurnContext) == 0 {
		return fmt.Sprintf("I understand. You said: %s. Could you tell me more about your symptoms?", base)
	}

	last := strings.TrimSpace(req.TurnContext[len(req.TurnContext)-1])
	if last == "" {
		return fmt.Sprintf("I understand. You said: %s. Could you tell me more about your symptoms?", base)
	}
	return fmt.Sprintf("I understand. You said: %s. Earlier you mentioned: %s.", base, last)
}
