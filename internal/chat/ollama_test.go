package chat

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("OllamaAssistant", func() {
	var (
		server    *ghttp.Server
		assistant *OllamaAssistant
		req       Request
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		DeferCleanup(server.Close)
		assistant = NewOllamaAssistant(server.URL(), "llama3.1")
		req = Request{
			SystemPrompt: "system prompt",
			History:      []Message{{Role: RoleUser, Content: "question"}},
		}
	})

	It("sends the system prompt before the history", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
			ghttp.VerifyJSONRepresenting(ollamaChatRequest{
				Model: "llama3.1",
				Messages: []Message{
					{Role: "system", Content: "system prompt"},
					{Role: RoleUser, Content: "question"},
				},
			}),
			ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: Message{Role: RoleAssistant, Content: "answer"},
				Done:    true,
			}),
		))

		reply, err := assistant.Reply(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(reply).To(Equal("answer"))
	})

	It("returns an error on a non-200 response", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))

		_, err := assistant.Reply(context.Background(), req)
		Expect(err).To(MatchError(ContainSubstring("model not loaded")))
	})

	It("returns an error on an empty reply", func() {
		server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{Done: true}))

		_, err := assistant.Reply(context.Background(), req)
		Expect(err).To(HaveOccurred())
	})
})
