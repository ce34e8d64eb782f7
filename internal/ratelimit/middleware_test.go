package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Identifier", func() {
	var (
		req     *http.Request
		trusted TrustedProxies
	)

	BeforeEach(func() {
		req = httptest.NewRequest(http.MethodGet, "/api/scan", nil)
		req.RemoteAddr = "198.51.100.1:51234"
		trusted = nil
	})

	It("uses the remote host", func() {
		Expect(trusted.Identifier(req)).To(Equal("198.51.100.1"))
	})

	It("ignores forwarding headers from untrusted peers", func() {
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		req.Header.Set("X-Real-IP", "203.0.113.10")
		Expect(trusted.Identifier(req)).To(Equal("198.51.100.1"))
	})

	When("the peer is a trusted proxy", func() {
		BeforeEach(func() {
			var err error
			trusted, err = ParseTrustedProxies([]string{"198.51.100.0/24", "10.0.0.1"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("takes the last untrusted forwarded hop", func() {
			req.Header.Set("X-Forwarded-For", "1.2.3.4, 203.0.113.9 , 10.0.0.1")
			Expect(trusted.Identifier(req)).To(Equal("203.0.113.9"))
		})

		It("falls back to X-Real-IP", func() {
			req.Header.Set("X-Real-IP", "203.0.113.10")
			Expect(trusted.Identifier(req)).To(Equal("203.0.113.10"))
		})

		It("rewrites RemoteAddr for downstream handlers", func() {
			req.Header.Set("X-Forwarded-For", "203.0.113.9")
			var seen string
			trusted.RealIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = r.RemoteAddr
			})).ServeHTTP(httptest.NewRecorder(), req)
			Expect(seen).To(Equal("203.0.113.9:0"))
		})
	})

	It("rejects malformed proxy entries", func() {
		_, err := ParseTrustedProxies([]string{"not-an-ip"})
		Expect(err).To(HaveOccurred())
	})

	It("appends the e-mail of a JWT bearer token", func() {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"email": "Alice@Example.com",
		}).SignedString([]byte("irrelevant"))
		Expect(err).NotTo(HaveOccurred())

		req.Header.Set("Authorization", "Bearer "+token)
		Expect(trusted.Identifier(req)).To(Equal("198.51.100.1:alice@example.com"))
	})

	It("ignores opaque access tokens", func() {
		req.Header.Set("Authorization", "Bearer ya29.opaque-token")
		Expect(trusted.Identifier(req)).To(Equal("198.51.100.1"))
	})
})

var _ = Describe("Middleware", func() {
	var (
		handler http.Handler
		calls   int
	)

	BeforeEach(func() {
		calls = 0
		registry := NewRegistryWithClock(newTestStore(), Limits{
			Window:    time.Minute,
			Default:   10,
			Endpoints: map[string]int{"/api/scan": 1},
		}, &fakeClock{now: time.Unix(1_700_000_000, 0)})

		handler = Middleware(registry, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusNoContent)
		}))
	})

	serve := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/scan", nil)
		handler.ServeHTTP(rec, req)
		return rec
	}

	It("sets the budget headers", func() {
		rec := serve()
		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(rec.Header().Get("X-RateLimit-Limit")).To(Equal("1"))
		Expect(rec.Header().Get("X-RateLimit-Remaining")).To(Equal("0"))
		Expect(rec.Header().Get("X-RateLimit-Reset")).To(Equal("1700000060"))
	})

	It("rejects requests over budget", func() {
		serve()
		rec := serve()

		Expect(calls).To(Equal(1))
		Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
		Expect(rec.Header().Get("Retry-After")).To(Equal("60"))

		var body map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body).To(HaveKeyWithValue("ok", false))
		Expect(body).To(HaveKeyWithValue("limit", float64(1)))
		Expect(body).To(HaveKeyWithValue("reset", float64(1700000060)))
	})

	It("keeps counting when the client rotates X-Forwarded-For", func() {
		denied := 0
		for i := range 50 {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/scan", nil)
			req.RemoteAddr = "198.51.100.1:40000"
			req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
			handler.ServeHTTP(rec, req)
			if rec.Code == http.StatusTooManyRequests {
				denied++
			}
		}
		Expect(calls).To(Equal(1))
		Expect(denied).To(Equal(49))
	})
})
