package scanning

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-ledger/internal/calendar"
)

func money(units int64, nanos int32, currency string) *NormalizedValue {
	return &NormalizedValue{MoneyValue: &Money{Units: units, Nanos: nanos, CurrencyCode: currency}}
}

var _ = Describe("ExtractTriplet", func() {
	var (
		entities []Entity
		triplet  Triplet
	)

	JustBeforeEach(func() {
		triplet = ExtractTriplet(entities)
	})

	When("the tree is a typical receipt", func() {
		BeforeEach(func() {
			entities = []Entity{
				{Type: "supplier_name", MentionText: "CARREFOUR", Confidence: 0.97},
				{Type: "receipt_date", MentionText: "15/01/24", Confidence: 0.9,
					NormalizedValue: &NormalizedValue{DateValue: &calendar.Date{Year: 2024, Month: 1, Day: 15}}},
				{Type: "total_amount", MentionText: "42,50", Confidence: 0.92, NormalizedValue: money(42, 500000000, "")},
			}
		})

		It("extracts the supplier", func() {
			Expect(triplet.SupplierName).To(HaveValue(Equal("CARREFOUR")))
		})

		It("formats the structured date", func() {
			Expect(triplet.ReceiptDate).To(HaveValue(Equal("2024-01-15")))
		})

		It("decodes the total exactly", func() {
			Expect(triplet.TotalAmount).To(HaveValue(Equal(42.5)))
		})

		It("leaves the currency absent", func() {
			Expect(triplet.Currency).To(BeNil())
		})

		It("is deterministic", func() {
			Expect(ExtractTriplet(entities)).To(Equal(triplet))
		})

		It("encodes missing values as null", func() {
			data, err := json.Marshal(ExtractTriplet(nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(MatchJSON(`{"supplier_name":null,"receipt_date":null,"total_amount":null,"currency":null}`))
		})
	})

	When("a low-confidence total_amount competes with a high-confidence grand_total", func() {
		BeforeEach(func() {
			entities = []Entity{
				{Type: "grand_total", Confidence: 0.99, NormalizedValue: money(99, 0, "EUR")},
				{Type: "total_amount", Confidence: 0.10, NormalizedValue: money(12, 0, "USD")},
			}
		})

		It("prefers total_amount", func() {
			Expect(triplet.TotalAmount).To(HaveValue(Equal(12.0)))
		})

		It("takes the currency from the winning node", func() {
			Expect(triplet.Currency).To(HaveValue(Equal("USD")))
		})
	})

	When("several total_amount nodes share the best confidence", func() {
		BeforeEach(func() {
			entities = []Entity{
				{Type: "total_amount", Confidence: 0.8, MentionText: "10.00"},
				{Type: "total_amount", Confidence: 0.8, MentionText: "11.00"},
				{Type: "total_amount", Confidence: 0.5, MentionText: "12.00"},
			}
		})

		It("keeps the later tie", func() {
			Expect(triplet.TotalAmount).To(HaveValue(Equal(11.0)))
		})
	})

	When("several grand totals share the best confidence", func() {
		BeforeEach(func() {
			entities = []Entity{
				{Type: "total", Confidence: 0.8, MentionText: "10.00"},
				{Type: "amount_total", Confidence: 0.8, MentionText: "11.00"},
			}
		})

		It("keeps the first", func() {
			Expect(triplet.TotalAmount).To(HaveValue(Equal(10.0)))
		})
	})

	When("only a subtotal and taxes are present", func() {
		BeforeEach(func() {
			entities = []Entity{
				{Type: "subtotal", Confidence: 0.9, NormalizedValue: money(40, 0, "EUR")},
				{Type: "total_tax_amount", Confidence: 0.9, NormalizedValue: money(2, 500000000, "EUR")},
			}
		})

		It("adds them up", func() {
			Expect(triplet.TotalAmount).To(HaveValue(Equal(42.5)))
		})

		It("uses the subtotal currency", func() {
			Expect(triplet.Currency).To(HaveValue(Equal("EUR")))
		})
	})

	When("taxes add up in binary-unfriendly amounts", func() {
		BeforeEach(func() {
			entities = []Entity{
				{Type: "net_amount", Confidence: 0.9, MentionText: "0.10"},
				{Type: "vat_amount", Confidence: 0.9, MentionText: "0.10"},
				{Type: "tax_amount", Confidence: 0.9, MentionText: "0.10"},
			}
		})

		It("sums them without float drift", func() {
			Expect(triplet.TotalAmount).To(HaveValue(Equal(0.3)))
		})
	})

	When("a subtotal has no taxes", func() {
		BeforeEach(func() {
			entities = []Entity{{Type: "subtotal", Confidence: 0.9, MentionText: "40.00"}}
		})

		It("leaves the total absent", func() {
			Expect(triplet.TotalAmount).To(BeNil())
		})
	})

	When("entities are nested in properties", func() {
		BeforeEach(func() {
			entities = []Entity{
				{Type: "line_item", Properties: []Entity{
					{Type: "merchant_name", NormalizedValue: &NormalizedValue{Text: "Monoprix"}},
					{Type: "transaction_date", MentionText: "Le 2024/03/05 a 10h"},
				}},
				{Type: "vendor", MentionText: "Later Vendor"},
			}
		})

		It("walks them in pre-order", func() {
			Expect(triplet.SupplierName).To(HaveValue(Equal("Monoprix")))
			Expect(triplet.ReceiptDate).To(HaveValue(Equal("2024-03-05")))
		})
	})

	When("the supplier node carries no text", func() {
		BeforeEach(func() {
			entities = []Entity{
				{Type: "supplier_name"},
				{Type: "store", MentionText: "Picard"},
			}
		})

		It("keeps looking", func() {
			Expect(triplet.SupplierName).To(HaveValue(Equal("Picard")))
		})
	})

	When("the first date node is not a real day", func() {
		BeforeEach(func() {
			entities = []Entity{
				{Type: "receipt_date", MentionText: "31/02/2024"},
				{Type: "date", MentionText: "29/02/2024"},
			}
		})

		It("moves on to the next date node", func() {
			Expect(triplet.ReceiptDate).To(HaveValue(Equal("2024-02-29")))
		})
	})

	When("an amount's text is not numeric", func() {
		BeforeEach(func() {
			entities = []Entity{
				{Type: "total_amount", Confidence: 0.9, MentionText: "n/a"},
				{Type: "grand_total", Confidence: 0.5, MentionText: "EUR 1 234,50"},
			}
		})

		It("skips it and falls to the next tier", func() {
			Expect(triplet.TotalAmount).To(HaveValue(Equal(1234.5)))
		})
	})

	When("type names use mixed case", func() {
		BeforeEach(func() {
			entities = []Entity{{Type: "Total_Amount", Confidence: 0.4, MentionText: "7.25"}}
		})

		It("matches case-insensitively", func() {
			Expect(triplet.TotalAmount).To(HaveValue(Equal(7.25)))
		})
	})
})

var _ = Describe("Money", func() {
	It("decodes units and nanos exactly", func() {
		f, _ := Money{Units: 42, Nanos: 500000000}.Decimal().Float64()
		Expect(f).To(Equal(42.5))
	})

	It("handles negative amounts", func() {
		f, _ := Money{Units: -1, Nanos: -500000000}.Decimal().Float64()
		Expect(f).To(Equal(-1.5))
	})

	It("accepts string-encoded units", func() {
		var m Money
		Expect(json.Unmarshal([]byte(`{"units":"42","nanos":500000000,"currencyCode":"EUR"}`), &m)).To(Succeed())
		Expect(m).To(Equal(Money{Units: 42, Nanos: 500000000, CurrencyCode: "EUR"}))
	})

	It("accepts numeric units", func() {
		var m Money
		Expect(json.Unmarshal([]byte(`{"units":42}`), &m)).To(Succeed())
		Expect(m.Units).To(Equal(int64(42)))
	})
})
