// Package server exposes the coordinator's HTTP surface: shadow-store
// queries, the close-channel command, referral status and health probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"DlcCoordinator/internal/dlc"
	"DlcCoordinator/internal/node"
	"DlcCoordinator/internal/observability"
	"DlcCoordinator/internal/referral"
	"DlcCoordinator/internal/store"
)

// Server serves the coordinator API.
type Server struct {
	node      *node.Node
	store     *store.Store
	referrals *referral.Service
	health    *observability.HealthChecker
	log       zerolog.Logger

	httpServer *http.Server
}

func New(
	addr string,
	n *node.Node,
	st *store.Store,
	referrals *referral.Service,
	health *observability.HealthChecker,
	log zerolog.Logger,
) *Server {
	s := &Server{
		node:      n,
		store:     st,
		referrals: referrals,
		health:    health,
		log:       log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/channels", s.handleListChannels)
		r.Get("/channels/{channelID}", s.handleGetChannel)
		r.Post("/channels/{channelID}/close", s.handleCloseChannel)
		r.Get("/protocols/{protocolID}", s.handleGetProtocol)
		r.Get("/referrals/{trader}", s.handleReferralStatus)
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type channelResponse struct {
	ChannelID              string  `json:"channel_id"`
	Trader                 string  `json:"trader"`
	ChannelState           string  `json:"channel_state"`
	TraderReserveSats      uint64  `json:"trader_reserve_sats"`
	CoordinatorReserveSats uint64  `json:"coordinator_reserve_sats"`
	CoordinatorFundingSats uint64  `json:"coordinator_funding_sats"`
	TraderFundingSats      uint64  `json:"trader_funding_sats"`
	FundingTxid            *string `json:"funding_txid,omitempty"`
	CloseTxid              *string `json:"close_txid,omitempty"`
	SettleTxid             *string `json:"settle_txid,omitempty"`
	BufferTxid             *string `json:"buffer_txid,omitempty"`
	ClaimTxid              *string `json:"claim_txid,omitempty"`
	PunishTxid             *string `json:"punish_txid,omitempty"`
	CreatedAt              string  `json:"created_at"`
	UpdatedAt              string  `json:"updated_at"`
}

func toChannelResponse(ch *dlc.Channel) channelResponse {
	txid := func(t *dlc.Txid) *string {
		if t == nil {
			return nil
		}
		s := t.String()
		return &s
	}
	return channelResponse{
		ChannelID:              ch.ChannelID.String(),
		Trader:                 string(ch.Trader),
		ChannelState:           ch.ChannelState.String(),
		TraderReserveSats:      ch.TraderReserveSats,
		CoordinatorReserveSats: ch.CoordinatorReserveSats,
		CoordinatorFundingSats: ch.CoordinatorFundingSats,
		TraderFundingSats:      ch.TraderFundingSats,
		FundingTxid:            txid(ch.FundingTxid),
		CloseTxid:              txid(ch.CloseTxid),
		SettleTxid:             txid(ch.SettleTxid),
		BufferTxid:             txid(ch.BufferTxid),
		ClaimTxid:              txid(ch.ClaimTxid),
		PunishTxid:             txid(ch.PunishTxid),
		CreatedAt:              ch.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:              ch.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := make([]channelResponse, 0, len(channels))
	for _, ch := range channels {
		resp = append(resp, toChannelResponse(ch))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := dlc.ChannelIDFromString(chi.URLParam(r, "channelID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ch, err := s.store.GetChannel(r.Context(), channelID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toChannelResponse(ch))
}

func (s *Server) handleCloseChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := dlc.ChannelIDFromString(chi.URLParam(r, "channelID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	protocolID, err := s.node.CloseChannel(r.Context(), channelID, force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"protocol_id": protocolID.String(),
	})
}

func (s *Server) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	protocolID, err := dlc.ProtocolIDFromString(chi.URLParam(r, "protocolID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := s.store.GetProtocol(r.Context(), protocolID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]any{
		"protocol_id":    p.ProtocolID.String(),
		"channel_id":     p.ChannelID.String(),
		"trader":         string(p.Trader),
		"protocol_type":  p.ProtocolType.String(),
		"protocol_state": p.ProtocolState.String(),
	}
	if p.PreviousProtocolID != nil {
		resp["previous_protocol_id"] = p.PreviousProtocolID.String()
	}
	if p.ContractID != nil {
		resp["contract_id"] = p.ContractID.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReferralStatus(w http.ResponseWriter, r *http.Request) {
	trader := dlc.PublicKey(chi.URLParam(r, "trader"))
	status, err := s.referrals.Status(r.Context(), trader)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode HTTP response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dlc.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dlc.ErrConflict), errors.Is(err, dlc.ErrAlreadyFinalized):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error().Err(err).Msg("HTTP handler error")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
