package receipt

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/zombor/cashback-tracker/internal/analytics"
)

// Analytics answers the aggregation queries exposed over HTTP
type Analytics interface {
	Totals(q analytics.Query) ([]analytics.Total, error)
	ByMerchant(q analytics.Query) ([]analytics.Group, error)
	ByCategory(q analytics.Query) ([]analytics.Group, error)
	Trend(q analytics.Query, period analytics.Period, n int) ([]analytics.Bucket, error)
	Missed(q analytics.Query) (*analytics.Missed, error)
}

// Server handles HTTP requests for receipts, offers, merchants and analytics
type Server struct {
	service   *Service
	analytics Analytics
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, reports Analytics, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, reports, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, reports Analytics, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		analytics: reports,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Cashback Tracker"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// users
	s.mux.HandleFunc("GET /api/users/{user}", s.requireAuth(s.handleGetUser))
	s.mux.HandleFunc("DELETE /api/users/{user}", s.requireAuth(s.handleDeactivateUser))
	s.mux.HandleFunc("PUT /api/users/{user}/settings", s.requireAuth(s.handleUpdateSettings))
	s.mux.HandleFunc("GET /api/users/{user}/receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("POST /api/users/{user}/receipts", s.requireAuth(s.handleUploadReceipt))
	s.mux.HandleFunc("GET /api/users/{user}/analytics/summary", s.requireAuth(s.handleSummary))
	s.mux.HandleFunc("GET /api/users/{user}/analytics/merchants", s.requireAuth(s.handleByMerchant))
	s.mux.HandleFunc("GET /api/users/{user}/analytics/categories", s.requireAuth(s.handleByCategory))
	s.mux.HandleFunc("GET /api/users/{user}/analytics/trend", s.requireAuth(s.handleTrend))
	s.mux.HandleFunc("GET /api/users/{user}/analytics/missed", s.requireAuth(s.handleMissed))

	// receipts
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/receipts/{id}/entries", s.requireAuth(s.handleListEntries))
	s.mux.HandleFunc("POST /api/receipts/{id}/reprocess", s.requireAuth(s.handleReprocess))
	s.mux.HandleFunc("POST /api/receipts/{id}/confirm", s.requireAuth(s.handleConfirm))
	s.mux.HandleFunc("POST /api/receipts/{id}/entries/{offer}/transition", s.requireAuth(s.handleTransitionEntry))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))

	// offers
	s.mux.HandleFunc("POST /api/offers/{id}/revoke", s.requireAuth(s.handleRevokeOffer))
	s.mux.HandleFunc("GET /api/offers/best", s.requireAuth(s.handleBestOffers))
	s.mux.HandleFunc("GET /api/offers", s.requireAuth(s.handleListOffers))
	s.mux.HandleFunc("POST /api/offers", s.requireAuth(s.handleCreateOffer))

	// merchants
	s.mux.HandleFunc("POST /api/merchants/{id}/aliases", s.requireAuth(s.handleAddAlias))
	s.mux.HandleFunc("GET /api/merchants", s.requireAuth(s.handleListMerchants))
	s.mux.HandleFunc("POST /api/merchants", s.requireAuth(s.handleCreateMerchant))
}

// Handler returns the routes wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
