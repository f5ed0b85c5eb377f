package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zombor/receipt-approvals/internal/apperr"
	"github.com/zombor/receipt-approvals/internal/identity"
	"github.com/zombor/receipt-approvals/internal/observability"
	"github.com/zombor/receipt-approvals/internal/receipt"
)

type mockAssistant struct {
	requests []Request
	reply    string
	err      error
}

func (m *mockAssistant) Reply(ctx context.Context, req Request) (string, error) {
	m.requests = append(m.requests, req)
	return m.reply, m.err
}

func (m *mockAssistant) Close() error { return nil }

type mockReceipts struct {
	byViewer map[string][]*receipt.Receipt
	err      error
}

func (m *mockReceipts) VisibleReceipts(viewer *identity.User) ([]*receipt.Receipt, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.byViewer[viewer.Username], nil
}

var _ = Describe("Service", func() {
	var (
		ctx       context.Context
		store     *MemoryStore
		assistant *mockAssistant
		receipts  *mockReceipts
		metrics   *observability.Metrics
		service   *Service
		alice     *identity.User
		bob       *identity.User
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = NewMemoryStore(DefaultHistoryLimit)
		assistant = &mockAssistant{reply: "You spent $12.50."}
		alice = &identity.User{Username: "alice", Role: identity.RoleUser}
		bob = &identity.User{Username: "bob", Role: identity.RoleUser}
		receipts = &mockReceipts{byViewer: map[string][]*receipt.Receipt{
			"alice": {{
				Owner:  "alice",
				Status: receipt.StatusSubmitted,
				Fields: receipt.Fields{StoreName: "Cafe", TotalPayment: "$12.50", ExpenseCategory: receipt.CategoryMeals},
			}},
		}}
		metrics = observability.NewMetrics(prometheus.NewRegistry())
		service = NewService(store, assistant, receipts, metrics)
	})

	Describe("Ask", func() {
		It("rejects an empty message", func() {
			_, err := service.Ask(ctx, alice, "   ")
			Expect(errors.Is(err, apperr.ErrValidation)).To(BeTrue())
			Expect(assistant.requests).To(BeEmpty())
		})

		It("records the question and the reply", func() {
			turn, err := service.Ask(ctx, alice, "How much did I spend?")
			Expect(err).NotTo(HaveOccurred())
			Expect(turn.Sender).To(Equal(SenderAssistant))
			Expect(turn.Text).To(Equal("You spent $12.50."))
			Expect(turn.IsError).To(BeFalse())

			history, err := service.History(ctx, alice)
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(2))
			Expect(history[0].Text).To(Equal("How much did I spend?"))
			Expect(testutil.ToFloat64(metrics.ChatTurns.WithLabelValues("ok"))).To(Equal(1.0))
		})

		It("prefixes the first question and lists known users", func() {
			_, err := service.Ask(ctx, alice, "How much did I spend?")
			Expect(err).NotTo(HaveOccurred())

			Expect(assistant.requests).To(HaveLen(1))
			req := assistant.requests[0]
			Expect(req.History).To(Equal([]Message{{Role: RoleUser, Content: "My question about my receipts is: How much did I spend?"}}))
			Expect(req.SystemPrompt).To(ContainSubstring("The known users in the system are: alice."))
			Expect(req.SystemPrompt).To(ContainSubstring(`"store_name": "Cafe"`))
		})

		It("sends at most ten turns including the new question", func() {
			Expect(store.Append(ctx, "alice", alternatingTranscript(24)...)).To(Succeed())

			_, err := service.Ask(ctx, alice, "latest")
			Expect(err).NotTo(HaveOccurred())

			history := assistant.requests[0].History
			Expect(history).To(HaveLen(10))
			Expect(history[9]).To(Equal(Message{Role: RoleUser, Content: "latest"}))
		})

		It("never includes another user's turns", func() {
			Expect(store.Append(ctx, "bob", Turn{Sender: SenderUser, Text: "bob's private question", Timestamp: time.Now()})).To(Succeed())

			_, err := service.Ask(ctx, alice, "mine")
			Expect(err).NotTo(HaveOccurred())

			for _, msg := range assistant.requests[0].History {
				Expect(msg.Content).NotTo(ContainSubstring("bob's private question"))
			}
		})

		When("the viewer has no receipts", func() {
			It("answers without calling the assistant", func() {
				turn, err := service.Ask(ctx, bob, "Anything?")
				Expect(err).NotTo(HaveOccurred())
				Expect(turn.Text).To(Equal(noReceiptsReply))
				Expect(assistant.requests).To(BeEmpty())
			})
		})

		When("the assistant fails", func() {
			BeforeEach(func() {
				assistant.err = errors.New("backend unavailable")
			})

			It("returns an error turn instead of an error", func() {
				turn, err := service.Ask(ctx, alice, "How much?")
				Expect(err).NotTo(HaveOccurred())
				Expect(turn.IsError).To(BeTrue())
				Expect(turn.Text).To(Equal("Sorry, I encountered an error processing your request. Please try again."))

				history, err := service.History(ctx, alice)
				Expect(err).NotTo(HaveOccurred())
				Expect(history).To(HaveLen(2))
				Expect(history[1].IsError).To(BeTrue())
				Expect(testutil.ToFloat64(metrics.ChatTurns.WithLabelValues("error"))).To(Equal(1.0))
			})
		})

		When("receipts cannot be loaded", func() {
			It("returns the error", func() {
				receipts.err = errors.New("disk gone")
				_, err := service.Ask(ctx, alice, "How much?")
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Clear", func() {
		It("empties only the viewer's history", func() {
			_, err := service.Ask(ctx, alice, "first")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.Ask(ctx, bob, "second")
			Expect(err).NotTo(HaveOccurred())

			Expect(service.Clear(ctx, alice)).To(Succeed())

			history, err := service.History(ctx, alice)
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(BeEmpty())
			history, err = service.History(ctx, bob)
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(2))
		})
	})
})

var _ = Describe("buildRequest", func() {
	It("reports none when there are no known users", func() {
		req, err := buildRequest([]*receipt.Receipt{}, []Message{{Role: RoleAssistant, Content: "hello"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(req.SystemPrompt).To(ContainSubstring("The known users in the system are: none."))
		Expect(req.History[0].Content).To(Equal("hello"))
	})

	It("lists each owner once, sorted", func() {
		req, err := buildRequest([]*receipt.Receipt{{Owner: "zed"}, {Owner: "amy"}, {Owner: "zed"}}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(req.SystemPrompt).To(ContainSubstring("The known users in the system are: amy, zed."))
	})

	It("does not modify the window it was given", func() {
		window := []Message{{Role: RoleUser, Content: "q"}}
		_, err := buildRequest([]*receipt.Receipt{{Owner: "amy"}}, window)
		Expect(err).NotTo(HaveOccurred())
		Expect(window[0].Content).To(Equal("q"))
	})
})

var _ = Describe("geminiHistory", func() {
	It("maps roles and splits off the latest message", func() {
		history, latest, err := geminiHistory(Request{
			SystemPrompt: "system",
			History: []Message{
				{Role: RoleUser, Content: "one"},
				{Role: RoleAssistant, Content: "two"},
				{Role: RoleUser, Content: "three"},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(latest)).To(Equal("three"))
		Expect(history).To(HaveLen(4))
		Expect(history[0].Role).To(Equal("user"))
		Expect(history[1].Role).To(Equal("model"))
		Expect(history[3].Role).To(Equal("model"))
	})

	roles := func(history []*genai.Content) []string {
		out := make([]string, 0, len(history))
		for _, c := range history {
			out = append(out, c.Role)
		}
		return out
	}

	It("skips the acknowledgement when the window opens with the assistant", func() {
		window := BuildContext(alternatingTranscript(13), "alice")
		Expect(window[0].Role).To(Equal(RoleAssistant))

		history, _, err := geminiHistory(Request{SystemPrompt: "system", History: window})
		Expect(err).NotTo(HaveOccurred())
		Expect(roles(history)).To(Equal([]string{"user", "model", "user", "model", "user", "model", "user", "model", "user", "model"}))
		Expect(history[1].Parts).To(Equal([]genai.Part{genai.Text(window[0].Content)}))
	})

	It("merges neighbouring messages from the same side", func() {
		history, latest, err := geminiHistory(Request{
			SystemPrompt: "system",
			History: []Message{
				{Role: RoleUser, Content: "one"},
				{Role: RoleUser, Content: "two"},
				{Role: RoleAssistant, Content: "three"},
				{Role: RoleUser, Content: "four"},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(latest)).To(Equal("four"))
		Expect(roles(history)).To(Equal([]string{"user", "model", "user", "model"}))
		Expect(history[2].Parts).To(Equal([]genai.Part{genai.Text("one"), genai.Text("two")}))
	})

	It("requires the history to end with the user", func() {
		_, _, err := geminiHistory(Request{History: []Message{{Role: RoleAssistant, Content: "x"}}})
		Expect(err).To(HaveOccurred())
	})
})
