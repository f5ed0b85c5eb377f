package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server  *ghttp.Server
		scanner *Ollama
		pngData []byte
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		DeferCleanup(server.Close)

		var err error
		scanner, err = NewOllama(server.URL(), "llava")
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		Expect(png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2)))).To(Succeed())
		pngData = buf.Bytes()
	})

	When("the model answers with receipt JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
					Expect(req.Model).To(Equal("llava"))
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: `{"store_name": "Cafe", "total_payment": "12.00", "expense_category": "meals"}`},
					Done:    true,
				}),
			))
		})

		It("returns the parsed fields", func() {
			data, err := scanner.ScanReceipt(context.Background(), pngData, "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(data.StoreName).To(Equal("Cafe"))
			Expect(data.TotalPayment).To(Equal("$12.00"))
			Expect(data.ExpenseCategory).To(Equal("meals"))
		})
	})

	When("the server fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns the status in the error", func() {
			_, err := scanner.ScanReceipt(context.Background(), pngData, "image/png")
			Expect(err).To(MatchError(ContainSubstring("status 500")))
		})
	})
})
