package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trustgate/appeal"
	"trustgate/arbitration"
	"trustgate/auth"
	"trustgate/bid"
	"trustgate/escrow"
	"trustgate/evidence"
	"trustgate/geo"
	"trustgate/oracle"
	"trustgate/passport"
	"trustgate/policy"
	"trustgate/trust"
	"trustgate/worm"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	User      user   `json:"user"`
}

type user struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	FullName     string `json:"full_name"`
	Role         string `json:"role"`
	Country      string `json:"country,omitempty"`
	Organization string `json:"organization,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func toUser(u auth.User) user {
	return user{
		ID:           u.ID,
		Email:        u.Email,
		FullName:     u.FullName,
		Role:         string(u.Role),
		Country:      u.Country,
		Organization: u.Organization,
		CreatedAt:    u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.Format(time.RFC3339),
		User:      toUser(res.User),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Staff roles are provisioned out of band.
	switch req.Role {
	case "", auth.RoleCarrier, auth.RoleShipper, auth.RoleDriver:
	default:
		s.writeError(w, r, errForbidden)
		return
	}
	u, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUser(*u))
}

func (s *Server) handleEvaluateAccess(w http.ResponseWriter, r *http.Request) {
	var req policy.Request
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		req.UserID = callerID(r.Context())
	}
	if req.UserID != callerID(r.Context()) && !staff(callerRole(r.Context())) {
		s.writeError(w, r, errForbidden)
		return
	}
	decision, err := s.accessService.EvaluateAccess(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type validationRequest struct {
	OrderRef     string         `json:"order_ref"`
	MaterialCost *float64       `json:"material_cost"`
	LaborCost    *float64       `json:"labor_cost"`
	Category     string         `json:"category"`
	Region       string         `json:"region"`
	Context      map[string]any `json:"context"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MaterialCost == nil || req.LaborCost == nil {
		s.writeError(w, r, fmt.Errorf("%w: material_cost and labor_cost are required", oracle.ErrInvalidSubmission))
		return
	}
	res, err := s.priceService.ValidateManualInput(r.Context(), oracle.Submission{
		UserID:       callerID(r.Context()),
		OrderRef:     req.OrderRef,
		MaterialCost: *req.MaterialCost,
		LaborCost:    *req.LaborCost,
		Category:     req.Category,
		Region:       req.Region,
		Context:      req.Context,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type integrityResponse struct {
	Valid       bool               `json:"valid"`
	DataAltered bool               `json:"data_altered"`
	VerifiedAt  string             `json:"verified_at"`
	Chains      []worm.ChainReport `json:"chains"`
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.auditService.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, integrityResponse{
		Valid:       report.Valid,
		DataAltered: !report.Valid,
		VerifiedAt:  report.VerifiedAt.Format(time.RFC3339),
		Chains:      report.Chains,
	})
}

type historyResponse struct {
	UserID      string        `json:"user_id"`
	FirstSeen   *string       `json:"first_seen,omitempty"`
	Validations []worm.Record `json:"validations"`
	Accesses    []worm.Record `json:"accesses"`
	Geofences   []worm.Record `json:"geofences"`
	Appeals     []worm.Record `json:"appeals"`
}

func records[T any](entries []worm.Entry[T]) []worm.Record {
	out := make([]worm.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Record)
	}
	return out
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID != callerID(r.Context()) && !staff(callerRole(r.Context())) {
		s.writeError(w, r, errForbidden)
		return
	}
	h, err := s.auditService.UserHistory(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := historyResponse{
		UserID:      userID,
		Validations: records(h.Validations),
		Accesses:    records(h.Accesses),
		Geofences:   records(h.Geofences),
		Appeals:     records(h.Appeals),
	}
	if first := h.FirstSeen(); !first.IsZero() {
		v := first.Format(time.RFC3339)
		resp.FirstSeen = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

type evidencePackageResponse struct {
	worm.Package
	Verified bool `json:"verified"`
}

func (s *Server) handleEvidencePackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.auditService.EvidencePackage(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evidencePackageResponse{Package: pkg, Verified: s.auditService.VerifyPackage(pkg)})
}

func (s *Server) handleSubmitAppeal(w http.ResponseWriter, r *http.Request) {
	var req appeal.SubmitParams
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.UserID = callerID(r.Context())
	a, err := s.appealService.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAppeal(w http.ResponseWriter, r *http.Request) {
	a, err := s.appealService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if a.UserID != callerID(r.Context()) && !staff(callerRole(r.Context())) {
		s.writeError(w, r, errForbidden)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReviewAppeal(w http.ResponseWriter, r *http.Request) {
	var req appeal.ReviewParams
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Reviewer = callerID(r.Context())
	a, err := s.appealService.Review(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type onboardRequest struct {
	UserID           string                    `json:"user_id"`
	EntityType       passport.EntityType       `json:"entity_type"`
	Status           passport.Status           `json:"compliance_status"`
	VerificationData passport.VerificationData `json:"verification_data"`
	ExpiresAt        *time.Time                `json:"expires_at"`
}

func (s *Server) handleOnboardPassport(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.passportService.Onboard(r.Context(), passport.OnboardParams{
		UserID:       req.UserID,
		EntityType:   req.EntityType,
		Status:       req.Status,
		Verification: req.VerificationData,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPassport(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID != callerID(r.Context()) && !staff(callerRole(r.Context())) {
		s.writeError(w, r, errForbidden)
		return
	}
	p, err := s.passportService.Get(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type orderRequest struct {
	CargoType            string     `json:"cargo_type"`
	Category             string     `json:"category"`
	Region               string     `json:"region"`
	MaxBidAmount         float64    `json:"max_bid_amount"`
	Pickup               geo.Point  `json:"pickup"`
	Delivery             geo.Point  `json:"delivery"`
	RequiredDeliveryDate *time.Time `json:"required_delivery_date"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.marketService.CreateOrder(r.Context(), bid.OrderParams{
		ShipperID:            callerID(r.Context()),
		CargoType:            req.CargoType,
		Category:             req.Category,
		Region:               req.Region,
		MaxBidAmount:         req.MaxBidAmount,
		Pickup:               req.Pickup,
		Delivery:             req.Delivery,
		RequiredDeliveryDate: req.RequiredDeliveryDate,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.marketService.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type placeBidRequest struct {
	Amount               float64    `json:"amount"`
	ProposedDeliveryDate *time.Time `json:"proposed_delivery_date"`
	Notes                string     `json:"notes"`
	Location             *geo.Point `json:"location"`
	MaterialCost         *float64   `json:"material_cost"`
	LaborCost            *float64   `json:"labor_cost"`
}

type rejectedResponse struct {
	Error     string          `json:"error"`
	RequestID string          `json:"request_id,omitempty"`
	Decision  policy.Decision `json:"decision"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.marketService.PlaceBid(r.Context(), bid.PlaceParams{
		OrderID:              chi.URLParam(r, "orderID"),
		CarrierID:            callerID(r.Context()),
		Amount:               req.Amount,
		ProposedDeliveryDate: req.ProposedDeliveryDate,
		Notes:                req.Notes,
		Location:             req.Location,
		MaterialCost:         req.MaterialCost,
		LaborCost:            req.LaborCost,
	})
	var rejected *bid.RejectedError
	if errors.As(err, &rejected) {
		writeJSON(w, http.StatusForbidden, rejectedResponse{
			Error:     rejected.Error(),
			RequestID: middleware.GetReqID(r.Context()),
			Decision:  rejected.Decision,
		})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func (s *Server) handleRankedBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.marketService.Ranked(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[bid.Bid]{Items: bids, Total: len(bids)})
}

type awardRequest struct {
	BidID string `json:"bid_id"`
}

type awardResponse struct {
	Bid      bid.Bid            `json:"bid"`
	Contract escrow.Contract    `json:"contract"`
	Evidence *evidence.Snapshot `json:"evidence,omitempty"`
}

// handleAward accepts a bid (or auto-awards when none is named), locks escrow
// and freezes the deal evidence.
func (s *Server) handleAward(w http.ResponseWriter, r *http.Request) {
	var req awardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, errBadRequest)
		return
	}
	orderID := chi.URLParam(r, "orderID")
	order, err := s.marketService.GetOrder(r.Context(), orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if order.ShipperID != callerID(r.Context()) && callerRole(r.Context()) != auth.RoleAdmin {
		s.writeError(w, r, errForbidden)
		return
	}
	accepted, contract, err := s.marketService.Award(r.Context(), orderID, req.BidID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := awardResponse{Bid: accepted, Contract: contract}
	if contract.SnapshotHash != "" {
		if snap, err := s.evidenceService.Document(r.Context(), contract.ID); err == nil {
			resp.Evidence = &snap
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

type lockRequest struct {
	BidID string `json:"bid_id"`
}

func (s *Server) handleLockFunds(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.escrowService.LockFunds(r.Context(), req.BidID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.escrowService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	c, err := s.escrowService.ConfirmFunding(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleTransit(w http.ResponseWriter, r *http.Request) {
	c, err := s.escrowService.MarkInTransit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type releaseRequest struct {
	EvidenceHash string `json:"evidence_hash"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.escrowService.ReleaseFunds(r.Context(), chi.URLParam(r, "id"), req.EvidenceHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type disputeResponse struct {
	Contract escrow.Contract    `json:"contract"`
	Dispute  arbitration.Record `json:"dispute"`
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, rec, err := s.arbitrationService.OpenDispute(r.Context(), chi.URLParam(r, "id"), callerID(r.Context()), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResponse{Contract: c, Dispute: rec})
}

func (s *Server) handleCollectEvidence(w http.ResponseWriter, r *http.Request) {
	snap, err := s.evidenceService.Collect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleVerifyEvidence(w http.ResponseWriter, r *http.Request) {
	v, err := s.evidenceService.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if v.DataAltered {
		status = http.StatusConflict
	}
	writeJSON(w, status, v)
}

func (s *Server) handleArbitrationDetails(w http.ResponseWriter, r *http.Request) {
	d, err := s.arbitrationService.Details(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type resolveRequest struct {
	Decision arbitration.Decision `json:"decision"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.arbitrationService.Resolve(r.Context(), chi.URLParam(r, "id"), req.Decision, callerID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTrustScore(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID != callerID(r.Context()) && !staff(callerRole(r.Context())) {
		s.writeError(w, r, errForbidden)
		return
	}
	score, err := s.trustScores.Calculate(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

type trustEventRequest struct {
	Event trust.EventKind `json:"event"`
}

func (s *Server) handleTrustEvent(w http.ResponseWriter, r *http.Request) {
	var req trustEventRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, ok := trust.Adjustments[req.Event]; !ok {
		s.writeError(w, r, errBadRequest)
		return
	}
	p, err := s.trustEvents.Apply(r.Context(), chi.URLParam(r, "userID"), req.Event)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
