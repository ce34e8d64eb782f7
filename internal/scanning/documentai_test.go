package scanning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/option"
)

var _ = Describe("DocumentAI", func() {
	var (
		server  *ghttp.Server
		scanner *DocumentAI
		ctx     context.Context
	)

	const processPath = "/v1/projects/p/locations/eu/processors/x:process"

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		server = ghttp.NewServer()
		DeferCleanup(server.Close)

		scanner, err = NewDocumentAI(ctx,
			DocumentAIConfig{ProjectID: "p", ProcessorID: "x"},
			option.WithEndpoint(server.URL()+"/"),
			option.WithoutAuthentication(),
		)
		Expect(err).NotTo(HaveOccurred())
	})

	It("requires a project and processor", func() {
		_, err := NewDocumentAI(ctx, DocumentAIConfig{ProjectID: "p"})
		Expect(err).To(HaveOccurred())
	})

	It("defaults to the eu location", func() {
		Expect(scanner.Name()).To(Equal("projects/p/locations/eu/processors/x"))
	})

	When("the processor answers", func() {
		var received map[string]any

		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, processPath),
				func(w http.ResponseWriter, r *http.Request) {
					body, _ := io.ReadAll(r.Body)
					Expect(json.Unmarshal(body, &received)).To(Succeed())
				},
				ghttp.RespondWith(http.StatusOK, `{"document":{"entities":[
					{"type":"supplier_name","mentionText":"CARREFOUR","confidence":0.97},
					{"type":"receipt_date","confidence":0.9,"normalizedValue":{"dateValue":{"year":2024,"month":1,"day":15}}},
					{"type":"total_amount","confidence":0.92,"normalizedValue":{"moneyValue":{"currencyCode":"EUR","units":"42","nanos":500000000}}},
					{"type":"line_item","properties":[{"type":"line_item/amount","mentionText":"3.10"}]}
				]}}`, http.Header{"Content-Type": []string{"application/json"}}),
			))
		})

		It("sends the raw document base64-encoded", func() {
			_, err := scanner.ScanDocument(ctx, []byte("%PDF-1.4"), "application/pdf")
			Expect(err).NotTo(HaveOccurred())
			raw := received["rawDocument"].(map[string]any)
			Expect(raw["mimeType"]).To(Equal("application/pdf"))
			Expect(raw["content"]).To(Equal(base64.StdEncoding.EncodeToString([]byte("%PDF-1.4"))))
		})

		It("converts the entity tree", func() {
			doc, err := scanner.ScanDocument(ctx, []byte("%PDF-1.4"), "application/pdf")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Entities).To(HaveLen(4))
			Expect(doc.Entities[3].Properties).To(HaveLen(1))

			triplet := ExtractTriplet(doc.Entities)
			Expect(triplet.SupplierName).To(HaveValue(Equal("CARREFOUR")))
			Expect(triplet.ReceiptDate).To(HaveValue(Equal("2024-01-15")))
			Expect(triplet.TotalAmount).To(HaveValue(Equal(42.5)))
			Expect(triplet.Currency).To(HaveValue(Equal("EUR")))
		})
	})

	When("the processor fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusForbidden, `{"error":{"code":403,"message":"denied"}}`))
		})

		It("returns an error", func() {
			_, err := scanner.ScanDocument(ctx, []byte("%PDF-1.4"), "application/pdf")
			Expect(err).To(MatchError(ContainSubstring("processing document")))
		})
	})

	Describe("Ready", func() {
		It("fetches the processor", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/v1/projects/p/locations/eu/processors/x"),
				ghttp.RespondWith(http.StatusOK, `{"name":"projects/p/locations/eu/processors/x"}`),
			))
			Expect(scanner.Ready(ctx)).To(Succeed())
		})
	})
})
