package scanning

import (
	"context"
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		engine *Ollama
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		DeferCleanup(server.Close)

		var err error
		engine, err = NewOllama(server.URL(), "llava")
		Expect(err).NotTo(HaveOccurred())
	})

	It("should post the image and return the message content", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
			ghttp.VerifyContentType("application/json"),
			func(w http.ResponseWriter, r *http.Request) {
				var req ollamaChatRequest
				Expect(decodeJSON(r, &req)).To(Succeed())
				Expect(req.Model).To(Equal("llava"))
				Expect(req.Format).To(Equal("json"))
				Expect(req.Messages).To(HaveLen(2))
				Expect(req.Messages[1].Images).To(HaveLen(1))
			},
			ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: `{"merchant": "Corner Shop"}`},
				Done:    true,
			}),
		))

		text, err := engine.Recognize(context.Background(), []byte("png"))
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal(`{"merchant": "Corner Shop"}`))
	})

	It("should report server errors as transient", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, "loading model"))

		_, err := engine.Recognize(context.Background(), []byte("png"))
		Expect(err).To(MatchError(ErrExtractionUnavailable))
		Expect(err).To(MatchError(ContainSubstring("loading model")))
	})

	It("should report client errors as permanent", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusBadRequest, "model does not support images"))

		_, err := engine.Recognize(context.Background(), []byte("png"))
		Expect(err).To(MatchError(ErrExtractionFailed))
	})

	It("should report undecodable responses as permanent", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusOK, "not json"))

		_, err := engine.Recognize(context.Background(), []byte("png"))
		Expect(err).To(MatchError(ErrExtractionFailed))
	})

	It("should report unfinished responses as transient", func() {
		server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
			Message: ollamaMessage{Content: `{"merchant": "Cor`},
		}))

		_, err := engine.Recognize(context.Background(), []byte("png"))
		Expect(err).To(MatchError(ErrExtractionUnavailable))
	})

	It("should work through the adapter", func() {
		server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
			Message: ollamaMessage{Content: `{"merchant": "Corner Shop", "total": "4.20", "confidence": 0.7}`},
			Done:    true,
		}))

		adapter := NewAdapter(engine, Limits{})
		result, err := adapter.Extract(context.Background(), testPNG(), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Fields.Total).To(Equal("4.20"))
		Expect(server.ReceivedRequests()).To(HaveLen(1))
	})
})

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
