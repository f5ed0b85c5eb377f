package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/zombor/receipt-approvals/internal/receipt"
)

// Assistant answers a question given a system prompt and the conversation window
type Assistant interface {
	Reply(ctx context.Context, req Request) (string, error)
	Close() error
}

// Request is everything an assistant backend needs for one reply. History ends with the
// user's latest message.
type Request struct {
	SystemPrompt string
	History      []Message
}

const questionPrefix = "My question about my receipts is: "

// buildRequest assembles the system prompt from the receipts the viewer can see and
// prefixes the first user message of the window.
func buildRequest(receipts []*receipt.Receipt, window []Message) (Request, error) {
	known := make([]string, 0)
	for _, r := range receipts {
		if !slices.Contains(known, r.Owner) {
			known = append(known, r.Owner)
		}
	}
	slices.Sort(known)

	data, err := json.MarshalIndent(receipts, "", "  ")
	if err != nil {
		return Request{}, fmt.Errorf("marshaling receipts: %w", err)
	}

	users := "none"
	if len(known) > 0 {
		users = strings.Join(known, ", ")
	}

	var prompt strings.Builder
	prompt.WriteString("You are a helpful assistant that answers questions about receipt data. ")
	prompt.WriteString("Keep your responses concise but friendly. Avoid unnecessary details. ")
	prompt.WriteString("If asked about a person who doesn't exist in the data, respond 'I don't know who that is' and list the users you do have information about. ")
	fmt.Fprintf(&prompt, "The known users in the system are: %s. ", users)
	prompt.WriteString("Help analyze expenses, spending patterns, and approval status, and provide insights when asked. ")
	prompt.WriteString("You can reference previous parts of the conversation if relevant.\n\n")
	prompt.WriteString("Receipt data context (JSON):\n")
	prompt.Write(data)

	history := slices.Clone(window)
	if len(history) > 0 && history[0].Role == RoleUser {
		history[0].Content = questionPrefix + history[0].Content
	}

	return Request{SystemPrompt: prompt.String(), History: history}, nil
}
