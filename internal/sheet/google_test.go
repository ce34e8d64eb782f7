package sheet

import (
	"context"
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

var _ = Describe("GoogleSheets", func() {
	var (
		server *ghttp.Server
		gs     *GoogleSheets
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		server = ghttp.NewServer()
		DeferCleanup(server.Close)

		gs, err = NewGoogleSheets(ctx, GoogleConfig{SpreadsheetID: "sid"},
			option.WithEndpoint(server.URL()+"/"),
			option.WithoutAuthentication(),
		)
		Expect(err).NotTo(HaveOccurred())
	})

	It("requires a spreadsheet id", func() {
		Expect(GoogleConfig{}.Validate()).To(HaveOccurred())
		_, err := NewGoogleSheets(ctx, GoogleConfig{})
		Expect(err).To(HaveOccurred())
	})

	It("reads unformatted values", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodGet, "/v4/spreadsheets/sid/values/'Receipts'!K11:K"),
			func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Query().Get("valueRenderOption")).To(Equal("UNFORMATTED_VALUE"))
			},
			ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"range":  "Receipts!K11:K13",
				"values": [][]any{{"Monoprix"}, {}, {"Picard"}},
			}),
		))

		row, err := FindNextEmptyRow(ctx, gs, "Receipts", "K", 11)
		Expect(err).NotTo(HaveOccurred())
		Expect(row).To(Equal(12))
	})

	It("writes ranges with RAW input", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodPut, "/v4/spreadsheets/sid/values/'Receipts'!K12:M12"),
			func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Query().Get("valueInputOption")).To(Equal("RAW"))
				var body sheets.ValueRange
				Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
				Expect(body.Values).To(Equal([][]any{{"CARREFOUR", float64(45306), 42.5}}))
			},
			ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{"updatedCells": 3}),
		))

		r := Range{Sheet: "Receipts", StartCol: "K", EndCol: "M", StartRow: 12, EndRow: 12}
		Expect(gs.WriteRange(ctx, r, [][]any{{"CARREFOUR", int64(45306), 42.5}})).To(Succeed())
	})

	It("resolves the sheet id before formatting", func() {
		server.AppendHandlers(
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/v4/spreadsheets/sid"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"sheets": []any{
						map[string]any{"properties": map[string]any{"sheetId": 0, "title": "Summary", "index": 0}},
						map[string]any{"properties": map[string]any{"sheetId": 777, "title": "Receipts", "index": 1}},
					},
				}),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v4/spreadsheets/sid:batchUpdate"),
				func(w http.ResponseWriter, r *http.Request) {
					var body sheets.BatchUpdateSpreadsheetRequest
					Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
					repeat := body.Requests[0].RepeatCell
					Expect(repeat.Range.SheetId).To(Equal(int64(777)))
					Expect(repeat.Range.StartRowIndex).To(Equal(int64(11)))
					Expect(repeat.Range.StartColumnIndex).To(Equal(int64(11)))
					Expect(repeat.Cell.UserEnteredFormat.NumberFormat.Pattern).To(Equal("dd/mm/yyyy"))
					Expect(repeat.Fields).To(Equal("userEnteredFormat.numberFormat"))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{"spreadsheetId": "sid"}),
			),
		)

		Expect(gs.FormatDate(ctx, CellRef{SheetName: "Receipts", Column: "L", Row: 12}, "dd/mm/yyyy")).To(Succeed())
	})

	It("lists sheets in order", func() {
		server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
			"sheets": []any{
				map[string]any{"properties": map[string]any{"sheetId": 0, "title": "2024", "index": 0}},
			},
		}))

		list, err := gs.ListSheets(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(Equal([]SheetInfo{{ID: 0, Title: "2024", Index: 0}}))
	})

	It("surfaces API errors as transient when the backend is overloaded", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, `{"error":{"code":503,"message":"unavailable"}}`))
		_, err := gs.ReadRange(ctx, Range{Sheet: "Receipts", StartCol: "K", EndCol: "K", StartRow: 11})
		Expect(err).To(HaveOccurred())
		Expect(IsTransient(err)).To(BeTrue())
	})
})
