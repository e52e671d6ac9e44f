package main

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"trustgate/appeal"
	"trustgate/auth"
	"trustgate/bid"
	"trustgate/carrier"
	"trustgate/escrow"
	"trustgate/geo"
	"trustgate/passport"
	"trustgate/policy"
	"trustgate/pricefeed"
	"trustgate/worm"
)

// Operational capabilities. Kept apart from the core interfaces so each
// route group only needs the collaborator it calls.

type geofenceChecker interface {
	CheckGeofence(ctx context.Context, c policy.GeofenceCheck) (policy.GeofenceResult, error)
}

type passportAdmin interface {
	SetStatus(ctx context.Context, userID string, status passport.Status) (passport.Passport, error)
	UpdateLicenses(ctx context.Context, userID string, licenses []passport.License) (passport.Passport, error)
	EnableBiometrics(ctx context.Context, userID string) (passport.Passport, error)
	RiskLevel(ctx context.Context, userID string) (passport.RiskLevel, error)
}

type appealQueue interface {
	List(ctx context.Context, status appeal.Status) ([]appeal.Appeal, error)
}

type bidRescorer interface {
	Rescore(ctx context.Context, orderID string) ([]bid.Bid, error)
}

type disputeQueue interface {
	ListDisputed(ctx context.Context) ([]escrow.Contract, error)
}

type auditExporter interface {
	Export(ctx context.Context, chain worm.Chain, w io.Writer) (int, error)
}

type carrierRegistry interface {
	Register(ctx context.Context, p carrier.Profile) (carrier.Profile, error)
	GetByID(ctx context.Context, id string) (carrier.Profile, error)
	ReportLocation(ctx context.Context, id string, loc geo.Point) error
}

type feedAdmin interface {
	Stats() pricefeed.Stats
	Toggle(name string, enabled bool) error
	SetPriority(name string, priority int) error
	SetConsensus(name string, on bool) error
}

func (s *Server) operationRoutes(r chi.Router) {
	r.Post("/geofence/check", s.handleGeofenceCheck)

	r.Get("/passports/{userID}/risk", s.handlePassportRisk)
	r.Post("/passports/{userID}/biometrics", s.handleEnableBiometrics)
	r.With(s.require(auth.Role.CanManagePassports)).Post("/passports/{userID}/status", s.handlePassportStatus)
	r.With(s.require(auth.Role.CanManagePassports)).Put("/passports/{userID}/licenses", s.handlePassportLicenses)

	r.With(s.require(auth.Role.CanReviewAppeals)).Get("/appeals", s.handleListAppeals)
	r.With(s.require(auth.Role.CanArbitrate)).Get("/arbitration", s.handleListDisputed)
	r.Post("/orders/{orderID}/bids/rescore", s.handleRescore)

	r.Post("/carriers", s.handleRegisterCarrier)
	r.Get("/carriers/{id}", s.handleGetCarrier)
	r.Post("/carriers/{id}/location", s.handleCarrierLocation)

	r.Group(func(r chi.Router) {
		r.Use(s.require(isAdmin))
		r.Get("/audit/chains/{chain}/export", s.handleExportChain)
		r.Get("/feeds", s.handleFeedStats)
		r.Patch("/feeds/{name}", s.handleUpdateFeed)
	})
}

func isAdmin(role auth.Role) bool { return role == auth.RoleAdmin }

// selfOrStaff reports whether the caller may act on userID's records.
func selfOrStaff(r *http.Request, userID string) bool {
	return userID == callerID(r.Context()) || staff(callerRole(r.Context()))
}

type geofenceRequest struct {
	UserID   string    `json:"user_id"`
	OrderID  string    `json:"order_id"`
	Zone     string    `json:"zone"`
	Location geo.Point `json:"location"`
}

func (s *Server) handleGeofenceCheck(w http.ResponseWriter, r *http.Request) {
	var req geofenceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		req.UserID = callerID(r.Context())
	}
	if !selfOrStaff(r, req.UserID) {
		s.writeError(w, r, errForbidden)
		return
	}
	res, err := s.geofences.CheckGeofence(r.Context(), policy.GeofenceCheck(req))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type riskResponse struct {
	UserID    string             `json:"user_id"`
	RiskLevel passport.RiskLevel `json:"risk_level"`
}

func (s *Server) handlePassportRisk(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !selfOrStaff(r, userID) {
		s.writeError(w, r, errForbidden)
		return
	}
	level, err := s.passportAdmin.RiskLevel(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, riskResponse{UserID: userID, RiskLevel: level})
}

type statusRequest struct {
	Status passport.Status `json:"status"`
}

func (s *Server) handlePassportStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.passportAdmin.SetStatus(r.Context(), chi.URLParam(r, "userID"), req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.WithFields(logrus.Fields{"user_id": p.UserID, "status": p.Status, "by": callerID(r.Context())}).Info("api: passport status changed")
	writeJSON(w, http.StatusOK, p)
}

type licensesRequest struct {
	Licenses []passport.License `json:"licenses"`
}

func (s *Server) handlePassportLicenses(w http.ResponseWriter, r *http.Request) {
	var req licensesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.passportAdmin.UpdateLicenses(r.Context(), chi.URLParam(r, "userID"), req.Licenses)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEnableBiometrics(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !selfOrStaff(r, userID) {
		s.writeError(w, r, errForbidden)
		return
	}
	p, err := s.passportAdmin.EnableBiometrics(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListAppeals(w http.ResponseWriter, r *http.Request) {
	status := appeal.Status(r.URL.Query().Get("status"))
	list, err := s.appealQueue.List(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[appeal.Appeal]{Items: list, Total: len(list)})
}

func (s *Server) handleListDisputed(w http.ResponseWriter, r *http.Request) {
	list, err := s.disputes.ListDisputed(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[escrow.Contract]{Items: list, Total: len(list)})
}

func (s *Server) handleRescore(w http.ResponseWriter, r *http.Request) {
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
	bids, err := s.rescorer.Rescore(r.Context(), orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[bid.Bid]{Items: bids, Total: len(bids)})
}

type carrierRequest struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Rating          float64    `json:"rating"`
	TotalOrders     int        `json:"total_orders"`
	CompletedOrders int        `json:"completed_orders"`
	Location        *geo.Point `json:"location"`
}

// handleRegisterCarrier lets a carrier publish its own profile. Staff may
// register profiles for others, including their delivery history.
func (s *Server) handleRegisterCarrier(w http.ResponseWriter, r *http.Request) {
	var req carrierRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !staff(callerRole(r.Context())) {
		if req.ID != "" && req.ID != callerID(r.Context()) {
			s.writeError(w, r, errForbidden)
			return
		}
		req.ID = callerID(r.Context())
		req.TotalOrders, req.CompletedOrders = 0, 0
	}
	p, err := s.carriers.Register(r.Context(), carrier.Profile{
		ID:              req.ID,
		Name:            req.Name,
		Rating:          req.Rating,
		TotalOrders:     req.TotalOrders,
		CompletedOrders: req.CompletedOrders,
		Location:        req.Location,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetCarrier(w http.ResponseWriter, r *http.Request) {
	p, err := s.carriers.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCarrierLocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !selfOrStaff(r, id) {
		s.writeError(w, r, errForbidden)
		return
	}
	var loc geo.Point
	if err := decodeJSON(r, &loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.carriers.ReportLocation(r.Context(), id, loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExportChain streams one ledger chain as JSON lines.
func (s *Server) handleExportChain(w http.ResponseWriter, r *http.Request) {
	chain := worm.Chain(chi.URLParam(r, "chain"))
	if !chain.Valid() {
		s.writeError(w, r, worm.ErrUnknownChain)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	n, err := s.exporter.Export(r.Context(), chain, w)
	if err != nil {
		// headers are gone once the first line is written
		s.log.WithError(err).WithFields(logrus.Fields{"chain": chain, "exported": n}).Error("api: chain export failed")
		if n == 0 {
			s.writeError(w, r, err)
		}
	}
}

func (s *Server) handleFeedStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.feeds.Stats())
}

type feedUpdateRequest struct {
	Enabled   *bool `json:"enabled"`
	Priority  *int  `json:"priority"`
	Consensus *bool `json:"consensus"`
}

func (s *Server) handleUpdateFeed(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req feedUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var err error
	if req.Enabled != nil {
		err = s.feeds.Toggle(name, *req.Enabled)
	}
	if err == nil && req.Priority != nil {
		err = s.feeds.SetPriority(name, *req.Priority)
	}
	if err == nil && req.Consensus != nil {
		err = s.feeds.SetConsensus(name, *req.Consensus)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.WithFields(logrus.Fields{"provider": name, "by": callerID(r.Context())}).Info("api: price feed updated")
	writeJSON(w, http.StatusOK, s.feeds.Stats())
}
