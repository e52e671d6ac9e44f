package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"trustgate/appeal"
	"trustgate/arbitration"
	"trustgate/auth"
	"trustgate/bid"
	"trustgate/carrier"
	"trustgate/escrow"
	"trustgate/evidence"
	"trustgate/logging"
	"trustgate/metrics"
	"trustgate/oracle"
	"trustgate/passport"
	"trustgate/policy"
	"trustgate/pricefeed"
	"trustgate/trust"
	"trustgate/worm"
)

type accessEvaluator interface {
	EvaluateAccess(ctx context.Context, req policy.Request) (policy.Decision, error)
}

type priceValidator interface {
	ValidateManualInput(ctx context.Context, s oracle.Submission) (oracle.Result, error)
}

type auditLog interface {
	VerifyIntegrity(ctx context.Context) (worm.IntegrityReport, error)
	UserHistory(ctx context.Context, userID string) (worm.History, error)
	EvidencePackage(ctx context.Context, orderID string) (worm.Package, error)
	VerifyPackage(pkg worm.Package) bool
}

type appealService interface {
	Submit(ctx context.Context, p appeal.SubmitParams) (appeal.Appeal, error)
	Review(ctx context.Context, id string, p appeal.ReviewParams) (appeal.Appeal, error)
	Get(ctx context.Context, id string) (appeal.Appeal, error)
}

type passportService interface {
	Onboard(ctx context.Context, params passport.OnboardParams) (passport.Passport, error)
	Get(ctx context.Context, userID string) (passport.Passport, error)
}

type marketplace interface {
	CreateOrder(ctx context.Context, params bid.OrderParams) (bid.Order, error)
	GetOrder(ctx context.Context, id string) (bid.Order, error)
	PlaceBid(ctx context.Context, params bid.PlaceParams) (bid.Bid, error)
	Ranked(ctx context.Context, orderID string) ([]bid.Bid, error)
	Award(ctx context.Context, orderID, bidID string) (bid.Bid, escrow.Contract, error)
}

type escrowService interface {
	LockFunds(ctx context.Context, bidID string) (escrow.Contract, error)
	ConfirmFunding(ctx context.Context, id string) (escrow.Contract, error)
	MarkInTransit(ctx context.Context, id string) (escrow.Contract, error)
	ReleaseFunds(ctx context.Context, id, evidenceHash string) (escrow.Contract, error)
	Get(ctx context.Context, id string) (escrow.Contract, error)
}

type arbitrationService interface {
	OpenDispute(ctx context.Context, contractID, openedBy, reason string) (escrow.Contract, arbitration.Record, error)
	Details(ctx context.Context, contractID string) (arbitration.Details, error)
	Resolve(ctx context.Context, contractID string, decision arbitration.Decision, resolvedBy string) (arbitration.Resolution, error)
}

type evidenceService interface {
	Collect(ctx context.Context, contractID string) (evidence.Snapshot, error)
	Document(ctx context.Context, contractID string) (evidence.Snapshot, error)
	Verify(ctx context.Context, contractID string) (evidence.Verification, error)
}

type trustCalculator interface {
	Calculate(ctx context.Context, userID string) (trust.Score, error)
}

type trustAdjuster interface {
	Apply(ctx context.Context, userID string, kind trust.EventKind) (passport.Passport, error)
}

type authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	VerifyToken(token string) (auth.Claims, error)
}

// Server holds the services behind the HTTP API.
type Server struct {
	authService        authenticator
	accessService      accessEvaluator
	priceService       priceValidator
	auditService       auditLog
	appealService      appealService
	passportService    passportService
	marketService      marketplace
	escrowService      escrowService
	arbitrationService arbitrationService
	evidenceService    evidenceService
	trustScores        trustCalculator
	trustEvents        trustAdjuster
	geofences          geofenceChecker
	passportAdmin      passportAdmin
	appealQueue        appealQueue
	rescorer           bidRescorer
	disputes           disputeQueue
	exporter           auditExporter
	carriers           carrierRegistry
	feeds              feedAdmin
	limiter            *rateLimiter
	log                logrus.FieldLogger
}

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

var (
	errUnauthorized = errors.New("missing or invalid bearer token")
	errForbidden    = errors.New("forbidden")
	errBadRequest   = errors.New("invalid request body")
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/register", s.handleRegister)
		r.Group(s.protectedRoutes)
	})
	return r
}

func (s *Server) protectedRoutes(r chi.Router) {
	r.Use(s.authenticate)
	if s.limiter != nil {
		r.Use(s.limiter.Handler)
	}

	r.Post("/access/evaluate", s.handleEvaluateAccess)
	r.Post("/validations", s.handleValidate)

	r.Get("/audit/verify", s.handleVerifyAudit)
	r.Get("/audit/users/{userID}", s.handleUserHistory)
	r.Get("/audit/orders/{orderID}/evidence", s.handleEvidencePackage)

	r.Post("/appeals", s.handleSubmitAppeal)
	r.Get("/appeals/{id}", s.handleGetAppeal)
	r.With(s.require(auth.Role.CanReviewAppeals)).Post("/appeals/{id}/review", s.handleReviewAppeal)

	r.With(s.require(auth.Role.CanManagePassports)).Post("/passports", s.handleOnboardPassport)
	r.Get("/passports/{userID}", s.handleGetPassport)

	r.Post("/orders", s.handleCreateOrder)
	r.Get("/orders/{orderID}", s.handleGetOrder)
	r.Post("/orders/{orderID}/bids", s.handlePlaceBid)
	r.Get("/orders/{orderID}/bids/ranked", s.handleRankedBids)
	r.Post("/orders/{orderID}/award", s.handleAward)

	r.Post("/escrow", s.handleLockFunds)
	r.Route("/escrow/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetContract)
		r.Post("/fund", s.handleFund)
		r.Post("/transit", s.handleTransit)
		r.Post("/release", s.handleRelease)
		r.Post("/dispute", s.handleDispute)
		r.Get("/evidence", s.handleVerifyEvidence)
		r.Post("/evidence", s.handleCollectEvidence)
	})

	r.Route("/arbitration/{id}", func(r chi.Router) {
		r.Use(s.require(auth.Role.CanArbitrate))
		r.Get("/", s.handleArbitrationDetails)
		r.Post("/resolve", s.handleResolve)
	})

	r.Get("/trust/{userID}", s.handleTrustScore)
	r.With(s.require(auth.Role.CanManagePassports)).Post("/trust/{userID}/events", s.handleTrustEvent)

	s.operationRoutes(r)
}

// authenticate verifies the bearer token and stores the caller in the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, r, errUnauthorized)
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) require(allowed func(auth.Role) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowed(callerRole(r.Context())) {
				s.writeError(w, r, errForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func callerRole(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return role
}

// staff may act on other users' records.
func staff(role auth.Role) bool {
	return role == auth.RoleAdmin || role == auth.RoleComplianceOfficer || role == auth.RoleArbitrator
}

// rateLimiter keeps one token bucket per caller, falling back to the remote
// address for anonymous requests.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      logrus.FieldLogger
}

func newRateLimiter(rps float64, burst int, log logrus.FieldLogger) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		log:      logging.OrDiscard(log),
	}
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := callerID(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.limiter(key).Allow() {
			rl.log.WithFields(logrus.Fields{"key": key, "path": r.URL.Path}).Warn("api: rate limit exceeded")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error:     "rate limit exceeded",
				RequestID: middleware.GetReqID(r.Context()),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error       string `json:"error"`
	RequestID   string `json:"request_id,omitempty"`
	DataAltered bool   `json:"data_altered,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errBadRequest
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), RequestID: middleware.GetReqID(r.Context())}
	if errors.Is(err, worm.ErrIntegrityViolation) {
		resp.DataAltered = true
	}
	if status == http.StatusInternalServerError {
		logging.OrDiscard(s.log).WithError(err).WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": resp.RequestID,
		}).Error("api: request failed")
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, policy.ErrInvalidRequest),
		errors.Is(err, oracle.ErrInvalidSubmission),
		errors.Is(err, appeal.ErrMissingRecordHash),
		errors.Is(err, appeal.ErrMissingJustification),
		errors.Is(err, appeal.ErrMissingEvidence),
		errors.Is(err, appeal.ErrMissingReviewer),
		errors.Is(err, appeal.ErrInvalidDecision),
		errors.Is(err, appeal.ErrNotAppealable),
		errors.Is(err, passport.ErrInvalidEntityType),
		errors.Is(err, passport.ErrInvalidStatus),
		errors.Is(err, bid.ErrInvalidOrder),
		errors.Is(err, bid.ErrInvalidBid),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrMissingReason),
		errors.Is(err, arbitration.ErrInvalidDecision),
		errors.Is(err, arbitration.ErrMissingReason),
		errors.Is(err, carrier.ErrInvalidProfile),
		errors.Is(err, worm.ErrUnknownChain),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidRegistration):
		return http.StatusBadRequest
	case errors.Is(err, errUnauthorized),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden),
		errors.Is(err, appeal.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, appeal.ErrNotFound),
		errors.Is(err, passport.ErrNotFound),
		errors.Is(err, bid.ErrNotFound),
		errors.Is(err, bid.ErrOrderNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, arbitration.ErrNotFound),
		errors.Is(err, worm.ErrNotFound),
		errors.Is(err, carrier.ErrNotFound),
		errors.Is(err, pricefeed.ErrUnknownProvider),
		errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrStateConflict),
		errors.Is(err, worm.ErrIntegrityViolation),
		errors.Is(err, bid.ErrOrderClosed),
		errors.Is(err, bid.ErrNotPending),
		errors.Is(err, bid.ErrNotAccepted),
		errors.Is(err, bid.ErrManualReview),
		errors.Is(err, appeal.ErrAlreadyAppealed),
		errors.Is(err, appeal.ErrAlreadyReviewed),
		errors.Is(err, passport.ErrAlreadyExists),
		errors.Is(err, passport.ErrVersionConflict),
		errors.Is(err, arbitration.ErrAlreadyDisputed),
		errors.Is(err, arbitration.ErrNotDisputed),
		errors.Is(err, arbitration.ErrDuplicate),
		errors.Is(err, arbitration.ErrBadStatus),
		errors.Is(err, evidence.ErrAlreadyCollected),
		errors.Is(err, evidence.ErrNoSnapshot),
		errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
