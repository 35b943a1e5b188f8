package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/cashback-tracker/internal/analytics"
	"github.com/zombor/cashback-tracker/internal/ledger"
)

var _ = Describe("Server", func() {
	var (
		env         *testEnv
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(env.service, analytics.NewEngine(env.db, env.timeSrc.Now), auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.Handler().ServeHTTP)
		}
	}

	do := func(method, path, contentType string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, v)).To(Succeed())
	}

	upload := func(user, filename, partType string, data []byte) *http.Response {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		if partType != "" {
			header.Set("Content-Type", partType)
		}
		part, err := writer.CreatePart(header)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())
		return do(http.MethodPost, "/api/users/"+user+"/receipts", writer.FormDataContentType(), body)
	}

	BeforeEach(func() {
		env = newTestEnv()
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	Describe("handleHealth", func() {
		It("should return status OK", func() {
			resp := do(http.MethodGet, "/healthz", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
			setupServer()
		})

		It("should reject requests without credentials", func() {
			resp := do(http.MethodGet, "/api/offers", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/offers", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should leave the health check open", func() {
			resp := do(http.MethodGet, "/healthz", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := do(http.MethodOptions, "/api/offers", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("handleUploadReceipt", func() {
		When("the upload is valid", func() {
			It("should return the parsed receipt", func() {
				resp := upload("u1", "receipt.jpg", "image/jpeg", []byte("fake image data"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var receipt ledger.Receipt
				decode(resp, &receipt)
				Expect(receipt.ID).To(Equal("test-id-1"))
				Expect(receipt.Status).To(Equal(ledger.ReceiptParsed))
			})
		})

		When("the part has no content type", func() {
			It("should detect it from the extension", func() {
				resp := upload("u1", "receipt.HEIC", "", []byte("fake image data"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				receipt, err := env.service.GetReceipt("test-id-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.ContentType).To(Equal("image/heic"))
			})
		})

		When("no file is provided", func() {
			It("should return status Bad Request", func() {
				body := &bytes.Buffer{}
				writer := multipart.NewWriter(body)
				Expect(writer.WriteField("note", "no file")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				resp := do(http.MethodPost, "/api/users/u1/receipts", writer.FormDataContentType(), body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var result map[string]string
				decode(resp, &result)
				Expect(result["error"]).To(ContainSubstring("No file was selected"))
			})
		})

		When("the file is too large for extraction", func() {
			It("should return status Request Entity Too Large", func() {
				resp := upload("u1", "receipt.jpg", "image/jpeg", make([]byte, 4096))
				Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
			})
		})
	})

	Describe("handleGetReceipt", func() {
		It("should return status Not Found for unknown receipts", func() {
			resp := do(http.MethodGet, "/api/receipts/missing", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			var result map[string]string
			decode(resp, &result)
			Expect(result["error"]).To(ContainSubstring("not found"))
		})

		It("should return stored receipts and their entries", func() {
			Expect(upload("u1", "receipt.jpg", "image/jpeg", []byte("fake image data")).StatusCode).To(Equal(http.StatusCreated))

			resp := do(http.MethodGet, "/api/receipts/test-id-1", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp = do(http.MethodGet, "/api/receipts/test-id-1/entries", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var entries []ledger.CashbackEntry
			decode(resp, &entries)
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Amount.StringFixed(2)).To(Equal("5.00"))
		})

		It("should serve the receipt file", func() {
			Expect(upload("u1", "receipt.png", "image/png", []byte("fake image data")).StatusCode).To(Equal(http.StatusCreated))

			resp := do(http.MethodGet, "/api/receipts/test-id-1/file", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("fake image data"))
		})
	})

	Describe("handleConfirm", func() {
		It("should return status Conflict for parsed receipts", func() {
			Expect(upload("u1", "receipt.jpg", "image/jpeg", []byte("fake image data")).StatusCode).To(Equal(http.StatusCreated))

			resp := do(http.MethodPost, "/api/receipts/test-id-1/confirm", "application/json", strings.NewReader(`{}`))
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("should confirm receipts awaiting review", func() {
			env.extractor.result.EngineConfidence = 0.4
			Expect(upload("u1", "receipt.jpg", "image/jpeg", []byte("fake image data")).StatusCode).To(Equal(http.StatusCreated))

			resp := do(http.MethodPost, "/api/receipts/test-id-1/confirm", "application/json", strings.NewReader(`{"total":"50.00"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var receipt ledger.Receipt
			decode(resp, &receipt)
			Expect(receipt.Status).To(Equal(ledger.ReceiptParsed))
			Expect(receipt.Total.StringFixed(2)).To(Equal("50.00"))
		})
	})

	Describe("handleTransitionEntry", func() {
		It("should return status Conflict on a stale status", func() {
			Expect(upload("u1", "receipt.jpg", "image/jpeg", []byte("fake image data")).StatusCode).To(Equal(http.StatusCreated))

			resp := do(http.MethodPost, "/api/receipts/test-id-1/entries/o1/transition", "application/json", strings.NewReader(`{"from":"pending_confirmation","to":"expired"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("should move the entry forward", func() {
			Expect(upload("u1", "receipt.jpg", "image/jpeg", []byte("fake image data")).StatusCode).To(Equal(http.StatusCreated))

			resp := do(http.MethodPost, "/api/receipts/test-id-1/entries/o1/transition", "application/json", strings.NewReader(`{"from":"accrued","to":"void"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var entry ledger.CashbackEntry
			decode(resp, &entry)
			Expect(entry.Status).To(Equal(ledger.EntryVoid))
		})
	})

	Describe("handleCreateOffer", func() {
		It("should create valid offers", func() {
			resp := do(http.MethodPost, "/api/offers", "application/json", strings.NewReader(
				`{"name":"Dining 3%","category":"dining","kind":"percentage","rate":"0.03","starts_at":"2024-01-01T00:00:00Z"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var offer ledger.Offer
			decode(resp, &offer)
			Expect(offer.ID).To(Equal("test-id-1"))
			Expect(env.expiry.offers).To(ConsistOf("test-id-1"))
		})

		It("should return status Bad Request for invalid offers", func() {
			resp := do(http.MethodPost, "/api/offers", "application/json", strings.NewReader(
				`{"name":"Broken","category":"dining","kind":"percentage","rate":"2","starts_at":"2024-01-01T00:00:00Z"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should return status Bad Request for malformed bodies", func() {
			resp := do(http.MethodPost, "/api/offers", "application/json", strings.NewReader(`{`))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleBestOffers", func() {
		It("should rank the offers for a planned purchase", func() {
			resp := do(http.MethodGet, "/api/offers/best?merchant=m1&amount=40", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var ranked []struct {
				Offer    ledger.Offer    `json:"offer"`
				Amount   decimal.Decimal `json:"amount"`
				Currency string          `json:"currency"`
			}
			decode(resp, &ranked)
			Expect(ranked).To(HaveLen(1))
			Expect(ranked[0].Offer.ID).To(Equal("o1"))
			Expect(ranked[0].Amount.StringFixed(2)).To(Equal("2.00"))
			Expect(ranked[0].Currency).To(Equal("USD"))
		})

		It("should return status Bad Request for malformed amounts", func() {
			resp := do(http.MethodGet, "/api/offers/best?merchant=m1&amount=lots", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should return status Bad Request without a merchant or category", func() {
			resp := do(http.MethodGet, "/api/offers/best", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("merchants", func() {
		It("should create merchants and add aliases", func() {
			resp := do(http.MethodPost, "/api/merchants", "application/json", strings.NewReader(`{"name":"Corner Cafe","category":"dining"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			resp = do(http.MethodPost, "/api/merchants/test-id-1/aliases", "application/json", strings.NewReader(`{"alias":"CORNER CAFE #2"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var merchant ledger.Merchant
			decode(resp, &merchant)
			Expect(merchant.Aliases).To(ContainElement("corner cafe 2"))
		})

		It("should return status Conflict for an alias of another merchant", func() {
			resp := do(http.MethodPost, "/api/merchants", "application/json", strings.NewReader(`{"name":"Corner Cafe"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			resp = do(http.MethodPost, "/api/merchants/m1/aliases", "application/json", strings.NewReader(`{"alias":"Corner Cafe"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})

	Describe("handleUpdateSettings", func() {
		It("should update the user", func() {
			resp := do(http.MethodPut, "/api/users/u1/settings", "application/json", strings.NewReader(`{"currency":"eur","digest_enabled":false}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var user ledger.User
			decode(resp, &user)
			Expect(user.Currency).To(Equal("EUR"))
			Expect(user.DigestEnabled).To(BeFalse())
		})

		It("should return status Bad Request for bad currencies", func() {
			resp := do(http.MethodPut, "/api/users/u1/settings", "application/json", strings.NewReader(`{"currency":"euro"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleGetUser", func() {
		It("should return status Not Found without registering the user", func() {
			resp := do(http.MethodGet, "/api/users/ghost", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			_, err := env.db.GetUser("ghost")
			Expect(err).To(MatchError(ledger.ErrNotFound))
		})
	})

	Describe("handleDeactivateUser", func() {
		It("should keep the user but mark them inactive", func() {
			Expect(do(http.MethodPut, "/api/users/u1/settings", "application/json", strings.NewReader(`{}`)).StatusCode).To(Equal(http.StatusOK))

			resp := do(http.MethodDelete, "/api/users/u1", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			user, err := env.db.GetUser("u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(user.Active).To(BeFalse())
		})

		It("should return status Not Found for unknown users", func() {
			resp := do(http.MethodDelete, "/api/users/ghost", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("analytics", func() {
		BeforeEach(func() {
			Expect(upload("u1", "receipt.jpg", "image/jpeg", []byte("fake image data")).StatusCode).To(Equal(http.StatusCreated))
		})

		It("should return the totals", func() {
			resp := do(http.MethodGet, "/api/users/u1/analytics/summary?from=2024-01-01&to=2024-02-01", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var summary struct {
				Totals []analytics.Total `json:"totals"`
			}
			decode(resp, &summary)
			Expect(summary.Totals).To(HaveLen(1))
			Expect(summary.Totals[0].Currency).To(Equal("USD"))
			Expect(summary.Totals[0].Amount.StringFixed(2)).To(Equal("5.00"))
		})

		It("should group by merchant", func() {
			resp := do(http.MethodGet, "/api/users/u1/analytics/merchants", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var groups []analytics.Group
			decode(resp, &groups)
			Expect(groups).To(HaveLen(1))
			Expect(groups[0].Key).To(Equal("m1"))
		})

		It("should return a trend", func() {
			resp := do(http.MethodGet, "/api/users/u1/analytics/trend?period=month&n=3&to=2024-02-01", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var buckets []analytics.Bucket
			decode(resp, &buckets)
			Expect(buckets).To(HaveLen(3))
		})

		It("should return status Bad Request for unknown periods", func() {
			resp := do(http.MethodGet, "/api/users/u1/analytics/trend?period=fortnight", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should return status Bad Request for malformed dates", func() {
			resp := do(http.MethodGet, "/api/users/u1/analytics/summary?from=yesterday", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should return missed cashback", func() {
			resp := do(http.MethodGet, "/api/users/u1/analytics/missed", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var missed analytics.Missed
			decode(resp, &missed)
			Expect(missed.VoidCount).To(BeZero())
		})
	})
})
