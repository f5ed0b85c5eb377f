package chat

import "time"

// Sender identifies who produced a turn
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Turn is one entry in a user's conversation transcript
type Turn struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsError   bool      `json:"is_error,omitempty"`
}

// Message roles sent to assistant backends
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a turn as an assistant backend sees it
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
