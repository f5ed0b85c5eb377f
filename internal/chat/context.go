package chat

import "fmt"

// DefaultWindow is the number of trailing turns sent to the assistant
const DefaultWindow = 10

// Builder turns a transcript into the bounded message list sent to an assistant.
// The zero value uses DefaultWindow and leaves user text untouched.
type Builder struct {
	Window int
	// TagUser prefixes user content with "[username] " for backends that need to tell
	// speakers apart.
	TagUser bool
}

// Build returns the last Window turns of transcript in order. The result is never nil.
func (b Builder) Build(transcript []Turn, currentUser string) []Message {
	window := b.Window
	if window <= 0 {
		window = DefaultWindow
	}
	start := max(len(transcript)-window, 0)

	messages := make([]Message, 0, len(transcript)-start)
	for _, turn := range transcript[start:] {
		switch turn.Sender {
		case SenderUser:
			content := turn.Text
			if b.TagUser {
				content = fmt.Sprintf("[%s] %s", currentUser, turn.Text)
			}
			messages = append(messages, Message{Role: RoleUser, Content: content})
		default:
			messages = append(messages, Message{Role: RoleAssistant, Content: turn.Text})
		}
	}
	return messages
}

// BuildContext applies the default Builder
func BuildContext(transcript []Turn, currentUser string) []Message {
	return Builder{}.Build(transcript, currentUser)
}
