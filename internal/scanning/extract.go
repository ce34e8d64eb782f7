package scanning

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/calendar"
)

// Triplet is the supplier/date/total extracted from one receipt. Absent
// values stay nil and encode as null.
type Triplet struct {
	SupplierName *string  `json:"supplier_name"`
	ReceiptDate  *string  `json:"receipt_date"`
	TotalAmount  *float64 `json:"total_amount"`
	Currency     *string  `json:"currency"`
}

var (
	supplierType    = regexp.MustCompile(`supplier_name|supplier|merchant|merchant_name|vendor|retailer|store`)
	dateType        = regexp.MustCompile(`receipt_?date|transaction_?date|start_?date|end_?date|date`)
	totalAmountType = regexp.MustCompile(`total_?amount`)
	grandTotalType  = regexp.MustCompile(`grand_?total|amount_?total|^total$|_total$`)
	subtotalType    = regexp.MustCompile(`subtotal|net_?amount`)
	taxType         = regexp.MustCompile(`total_?tax_?amount|tax_?amount|vat_?amount`)

	nonNumeric = regexp.MustCompile(`[^\d,.\-]`)
)

// candidate is the best-so-far amount of one total tier
type candidate struct {
	amount     decimal.Decimal
	currency   string
	confidence float64
	set        bool
}

// tally accumulates what the walk has seen so far
type tally struct {
	supplier *string
	date     *string

	totalAmount candidate
	grandTotal  candidate
	subtotal    candidate

	taxSum      decimal.Decimal
	taxCurrency string
	hasTax      bool
}

// ExtractTriplet walks the entity forest depth-first and picks supplier,
// date and total. It never fails; missing fields are left nil.
func ExtractTriplet(entities []Entity) Triplet {
	var t tally
	for _, e := range entities {
		t = t.visit(e)
	}
	return t.triplet()
}

func (t tally) visit(e Entity) tally {
	kind := strings.ToLower(e.Type)

	if t.supplier == nil && supplierType.MatchString(kind) {
		text := e.MentionText
		if text == "" && e.NormalizedValue != nil {
			text = e.NormalizedValue.Text
		}
		if text != "" {
			t.supplier = &text
		}
	}

	if t.date == nil && dateType.MatchString(kind) {
		if d, ok := entityDate(e); ok {
			s := d.String()
			t.date = &s
		}
	}

	switch {
	case totalAmountType.MatchString(kind):
		if amount, currency, ok := entityMoney(e); ok && (!t.totalAmount.set || e.Confidence >= t.totalAmount.confidence) {
			t.totalAmount = candidate{amount: amount, currency: currency, confidence: e.Confidence, set: true}
		}
	case grandTotalType.MatchString(kind):
		if amount, currency, ok := entityMoney(e); ok && (!t.grandTotal.set || e.Confidence > t.grandTotal.confidence) {
			t.grandTotal = candidate{amount: amount, currency: currency, confidence: e.Confidence, set: true}
		}
	case subtotalType.MatchString(kind):
		if amount, currency, ok := entityMoney(e); ok && (!t.subtotal.set || e.Confidence > t.subtotal.confidence) {
			t.subtotal = candidate{amount: amount, currency: currency, confidence: e.Confidence, set: true}
		}
	case taxType.MatchString(kind):
		if amount, currency, ok := entityMoney(e); ok {
			t.taxSum = t.taxSum.Add(amount)
			t.hasTax = true
			if t.taxCurrency == "" {
				t.taxCurrency = currency
			}
		}
	}

	for _, p := range e.Properties {
		t = t.visit(p)
	}
	return t
}

func (t tally) triplet() Triplet {
	out := Triplet{SupplierName: t.supplier, ReceiptDate: t.date}

	var amount decimal.Decimal
	var currency string
	switch {
	case t.totalAmount.set:
		amount, currency = t.totalAmount.amount, t.totalAmount.currency
	case t.grandTotal.set:
		amount, currency = t.grandTotal.amount, t.grandTotal.currency
	case t.subtotal.set && t.hasTax:
		amount = t.subtotal.amount.Add(t.taxSum)
		currency = t.subtotal.currency
		if currency == "" {
			currency = t.taxCurrency
		}
	default:
		return out
	}

	f, _ := amount.Float64()
	out.TotalAmount = &f
	if currency != "" {
		out.Currency = &currency
	}
	return out
}

// entityDate prefers the structured date and falls back to scanning the mention text
func entityDate(e Entity) (calendar.Date, bool) {
	if nv := e.NormalizedValue; nv != nil && nv.DateValue != nil && nv.DateValue.Complete() {
		if nv.DateValue.Valid() {
			return *nv.DateValue, true
		}
		return calendar.Date{}, false
	}
	return calendar.Find(e.MentionText)
}

// entityMoney prefers the structured amount and falls back to the mention text
func entityMoney(e Entity) (decimal.Decimal, string, bool) {
	if nv := e.NormalizedValue; nv != nil && nv.MoneyValue != nil {
		return nv.MoneyValue.Decimal(), nv.MoneyValue.CurrencyCode, true
	}

	text := nonNumeric.ReplaceAllString(e.MentionText, "")
	text = strings.ReplaceAll(text, ",", ".")
	if text == "" {
		return decimal.Decimal{}, "", false
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return decimal.Decimal{}, "", false
	}
	return decimal.NewFromFloat(f), "", true
}
