package receipt

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-ledger/internal/kvstore"
	"github.com/zombor/receipt-ledger/internal/ratelimit"
	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/sheet"
)

var _ = Describe("Integration", func() {
	var (
		store    *kvstore.BoltStore
		scanner  *mockScanner
		ss       *sheet.MemorySpreadsheet
		server   *Server
		ghServer *ghttp.Server
	)

	BeforeEach(func() {
		var err error
		store, err = kvstore.NewBoltStore(filepath.Join(GinkgoT().TempDir(), "ledger.db"), time.Second)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		scanner = newMockScanner()
		cached := scanning.NewCachedScanner(scanner, store, scanning.CacheOptions{Namespace: "projects/p/locations/eu/processors/x"})
		ss = sheet.NewMemorySpreadsheet("Receipts")
		writer := sheet.NewLockingWriter(ss, store, "sid", fastWriterOptions())

		service := NewService(testConfig(), cached, ss, writer)
		auth := &mockAuthenticator{token: "good-token", email: "alice@example.com"}
		server = NewServer(service, auth, ratelimit.NewRegistry(store, ratelimit.DefaultLimits()))

		ghServer = ghttp.NewServer()
		DeferCleanup(ghServer.Close)
	})

	scanUpload := func() map[string]any {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		part, err := mw.CreateFormFile("document", "receipt.pdf")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("%PDF-1.4 ... fake pdf content ..."))
		Expect(err).NotTo(HaveOccurred())
		Expect(mw.Close()).To(Succeed())

		req, err := http.NewRequest(http.MethodPost, ghServer.URL()+"/api/scan", body)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer good-token")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("X-RateLimit-Limit")).To(Equal("20"))

		raw, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		var out map[string]any
		Expect(json.Unmarshal(raw, &out)).To(Succeed())
		return out
	}

	It("scans a receipt once, serves the repeat from cache and writes the row", func() {
		ghServer.AppendHandlers(server.ServeHTTP, server.ServeHTTP, server.ServeHTTP)

		first := scanUpload()
		second := scanUpload()
		Expect(second).To(Equal(first))
		Expect(scanner.Calls()).To(Equal(1))

		payload, _ := json.Marshal(WriteRowRequest{
			SheetName: "Receipts",
			Who:       "Sabrina",
			Supplier:  first["supplier_name"].(string),
			DateISO:   first["receipt_date"].(string),
			Total:     first["total_amount"].(float64),
		})
		req, err := http.NewRequest(http.MethodPost, ghServer.URL()+"/api/sheets/write", bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer good-token")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		Expect(ss.Get("Receipts", "K", 11)).To(Equal("CARREFOUR"))
		Expect(ss.Get("Receipts", "L", 11)).To(Equal(int64(45306)))
		Expect(ss.Get("Receipts", "M", 11)).To(Equal(42.5))
		Expect(ss.Format(sheet.CellRef{SheetName: "Receipts", Column: "L", Row: 11})).To(Equal("dd/mm/yyyy"))
	})
})
