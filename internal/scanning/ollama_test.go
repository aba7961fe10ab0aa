package scanning

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

func testPNG() []byte {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Ollama", func() {
	var (
		server    *ghttp.Server
		reader    *Ollama
		imageData []byte
		raw       string
		err       error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		reader, err = NewOllama(server.URL(), "qwen2-vl")
		Expect(err).NotTo(HaveOccurred())
		imageData = testPNG()
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		raw, err = reader.ReadLabel(imageData, "image/png")
	})

	When("the model decodes the label", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
					Expect(req.Model).To(Equal("qwen2-vl"))
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Images).To(ConsistOf(base64.StdEncoding.EncodeToString(imageData)))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: "WO-1042"},
					Done:    true,
				}),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the decoded text", func() {
			Expect(raw).To(Equal("WO-1042"))
		})
	})

	When("the model finds no label", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: "NONE"},
				Done:    true,
			}))
		})

		It("returns ErrNoLabel", func() {
			Expect(err).To(MatchError(ErrNoLabel))
		})
	})

	When("the API fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(ContainSubstring("status 500")))
		})
	})

	When("the image is empty", func() {
		BeforeEach(func() {
			imageData = nil
		})

		It("returns the error without calling the API", func() {
			Expect(err).To(MatchError(ContainSubstring("empty label image")))
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})
})
