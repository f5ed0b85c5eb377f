package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiAssistant answers through a Gemini chat session
type GeminiAssistant struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiAssistant creates a Gemini-backed assistant
func NewGeminiAssistant(ctx context.Context, apiKey string, modelName string) (*GeminiAssistant, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.3)

	return &GeminiAssistant{client: client, model: model}, nil
}

// geminiHistory maps the request onto Gemini's user/model roles, which must alternate. The
// system prompt goes first as a user turn; the model acknowledges it unless the window
// already opens with an assistant message. Any other same-role neighbours are merged.
func geminiHistory(req Request) ([]*genai.Content, genai.Text, error) {
	if len(req.History) == 0 || req.History[len(req.History)-1].Role != RoleUser {
		return nil, "", fmt.Errorf("history must end with a user message")
	}

	earlier := req.History[:len(req.History)-1]
	history := []*genai.Content{
		{Role: "user", Parts: []genai.Part{genai.Text(req.SystemPrompt)}},
	}
	if len(earlier) == 0 || earlier[0].Role != RoleAssistant {
		history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text("Understood. I will answer using this receipt data.")}})
	}
	for _, msg := range earlier {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		if last := history[len(history)-1]; last.Role == role {
			last.Parts = append(last.Parts, genai.Text(msg.Content))
			continue
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	return history, genai.Text(req.History[len(req.History)-1].Content), nil
}

// Reply sends the latest message with the rest of the window as chat history
func (g *GeminiAssistant) Reply(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	history, latest, err := geminiHistory(req)
	if err != nil {
		return "", err
	}

	cs := g.model.StartChat()
	cs.History = history
	resp, err := cs.SendMessage(ctx, latest)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no response from gemini")
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("empty response from gemini")
	}
	return text.String(), nil
}

// Close closes the Gemini client
func (g *GeminiAssistant) Close() error {
	return g.client.Close()
}
