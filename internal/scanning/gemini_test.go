package scanning

import (
	"errors"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/api/googleapi"
)

var _ = Describe("Gemini", func() {
	Describe("NewGemini", func() {
		It("should require an api key", func() {
			_, err := NewGemini("", "")
			Expect(err).To(MatchError(ContainSubstring("api key is required")))
		})

		It("should build a client with the default model", func() {
			engine, err := NewGemini("test-key", "")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(engine.Close)
			Expect(engine.Name()).To(Equal("gemini"))
			Expect(engine.model).NotTo(BeNil())
		})
	})

	Describe("classifyGeminiError", func() {
		It("should treat blocked images as permanent", func() {
			err := classifyGeminiError(&genai.BlockedError{
				PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety},
			})
			Expect(errors.Is(err, ErrExtractionFailed)).To(BeTrue())
		})

		It("should treat throttling and server errors as transient", func() {
			for _, code := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
				err := classifyGeminiError(&googleapi.Error{Code: code, Message: "busy"})
				Expect(errors.Is(err, ErrExtractionUnavailable)).To(BeTrue(), "status %d", code)
			}
		})

		It("should treat client errors as permanent", func() {
			err := classifyGeminiError(&googleapi.Error{Code: http.StatusBadRequest, Message: "bad image"})
			Expect(errors.Is(err, ErrExtractionFailed)).To(BeTrue())
			Expect(errors.Is(err, ErrExtractionUnavailable)).To(BeFalse())
		})
	})
})
