package scanning

import (
	"bytes"
	"context"
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

func tinyPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Ollama", func() {
	var (
		server  *ghttp.Server
		scanner *Ollama
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		server = ghttp.NewServer()
		DeferCleanup(server.Close)
		scanner, err = NewOllama(server.URL()+"/", "llava")
		Expect(err).NotTo(HaveOccurred())
	})

	It("parses the entity list from the chat answer", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
			func(w http.ResponseWriter, r *http.Request) {
				var req ollamaChatRequest
				Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
				Expect(req.Model).To(Equal("llava"))
				Expect(req.Stream).To(BeFalse())
				Expect(req.Messages).To(HaveLen(2))
				Expect(req.Messages[1].Content).To(Equal(entityScanPrompt))
				Expect(req.Messages[1].Images).To(ConsistOf(base64.StdEncoding.EncodeToString(tinyPNG())))
			},
			ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"done": true,
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"entities":[{"type":"total_amount","mentionText":"9,99","confidence":0.7}]}`,
				},
			}),
		))

		doc, err := scanner.ScanDocument(ctx, tinyPNG(), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(ExtractTriplet(doc.Entities).TotalAmount).To(HaveValue(Equal(9.99)))
	})

	It("reports non-200 answers", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		_, err := scanner.ScanDocument(ctx, tinyPNG(), "image/png")
		Expect(err).To(MatchError(ContainSubstring("status 500")))
	})

	It("is ready when the server lists its models", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodGet, "/api/tags"),
			ghttp.RespondWith(http.StatusOK, `{"models":[]}`),
		))
		Expect(scanner.Ready(ctx)).To(Succeed())
	})
})
