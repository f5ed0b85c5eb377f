package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/receipt-approvals/internal/apperr"
	"github.com/zombor/receipt-approvals/internal/identity"
	"github.com/zombor/receipt-approvals/internal/observability"
	"github.com/zombor/receipt-approvals/internal/receipt"
)

const (
	noReceiptsReply = "You don't have any receipts in the system yet. Upload some receipts to ask questions about them."
	errorReply      = "Sorry, I encountered an error processing your request. Please try again."
)

// ReceiptSource supplies the receipts a viewer is allowed to discuss
type ReceiptSource interface {
	VisibleReceipts(viewer *identity.User) ([]*receipt.Receipt, error)
}

// Service runs the receipt assistant conversation for each user
type Service struct {
	store     TranscriptStore
	assistant Assistant
	receipts  ReceiptSource
	builder   Builder
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewService creates a chat Service using the default context window
func NewService(store TranscriptStore, assistant Assistant, receipts ReceiptSource, metrics *observability.Metrics) *Service {
	return &Service{
		store:     store,
		assistant: assistant,
		receipts:  receipts,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithBuilder replaces the context builder
func (s *Service) WithBuilder(b Builder) *Service {
	s.builder = b
	return s
}

// Ask records the viewer's message and the assistant's answer. Assistant failures become an
// error turn rather than an error return.
func (s *Service) Ask(ctx context.Context, viewer *identity.User, message string) (*Turn, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("message is required: %w", apperr.ErrValidation)
	}

	if err := s.store.Append(ctx, viewer.Username, Turn{Sender: SenderUser, Text: message, Timestamp: s.now()}); err != nil {
		return nil, fmt.Errorf("recording question: %w", err)
	}

	transcript, err := s.store.Load(ctx, viewer.Username)
	if err != nil {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}
	window := s.builder.Build(transcript, viewer.Username)

	receipts, err := s.receipts.VisibleReceipts(viewer)
	if err != nil {
		return nil, fmt.Errorf("loading receipts: %w", err)
	}

	reply := s.reply(ctx, viewer, receipts, window)
	if err := s.store.Append(ctx, viewer.Username, reply); err != nil {
		return nil, fmt.Errorf("recording reply: %w", err)
	}
	return &reply, nil
}

func (s *Service) reply(ctx context.Context, viewer *identity.User, receipts []*receipt.Receipt, window []Message) Turn {
	turn := Turn{Sender: SenderAssistant}

	if len(receipts) == 0 {
		s.metrics.ChatTurn("no_receipts")
		turn.Text = noReceiptsReply
		turn.Timestamp = s.now()
		return turn
	}

	text, err := s.ask(ctx, receipts, window)
	turn.Timestamp = s.now()
	if err != nil {
		slog.Error("Assistant request failed", "username", viewer.Username, "error", err)
		s.metrics.ChatTurn("error")
		turn.Text = errorReply
		turn.IsError = true
		return turn
	}

	s.metrics.ChatTurn("ok")
	turn.Text = text
	return turn
}

func (s *Service) ask(ctx context.Context, receipts []*receipt.Receipt, window []Message) (string, error) {
	req, err := buildRequest(receipts, window)
	if err != nil {
		return "", err
	}
	return s.assistant.Reply(ctx, req)
}

// History returns the viewer's transcript
func (s *Service) History(ctx context.Context, viewer *identity.User) ([]Turn, error) {
	turns, err := s.store.Load(ctx, viewer.Username)
	if err != nil {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}
	return turns, nil
}

// Clear discards the viewer's transcript
func (s *Service) Clear(ctx context.Context, viewer *identity.User) error {
	if err := s.store.Clear(ctx, viewer.Username); err != nil {
		return fmt.Errorf("clearing transcript: %w", err)
	}
	slog.Info("Chat history cleared", "username", viewer.Username)
	return nil
}
