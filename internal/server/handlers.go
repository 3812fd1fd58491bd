package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"remitrails/internal/hmacauth"
	"remitrails/internal/idempotency"
	"remitrails/internal/logging"
	"remitrails/internal/remit"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	maxBodyBytes         = 64 << 10
	nativeTokenAlias     = "native"
)

type registerRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	DisplayName string `json:"displayName"`
}

type updateProfileRequest struct {
	DisplayName string `json:"displayName"`
}

type createRemittanceRequest struct {
	Recipient      string `json:"recipient,omitempty"`
	RecipientPhone string `json:"recipientPhone"`
	Token          string `json:"token"`
	Amount         string `json:"amount"`
	ExchangeRate   string `json:"exchangeRate,omitempty"`
	Reference      string `json:"reference,omitempty"`
}

type feeRateRequest struct {
	RateBps *uint32 `json:"rateBps"`
}

type tokenSupportRequest struct {
	Supported *bool `json:"supported"`
}

type totalsResponse struct {
	Token    string `json:"token"`
	Sent     string `json:"sent"`
	Received string `json:"received"`
}

type profileResponse struct {
	Account          string           `json:"account"`
	Registered       bool             `json:"registered"`
	PhoneNumber      string           `json:"phoneNumber,omitempty"`
	DisplayName      string           `json:"displayName,omitempty"`
	Totals           []totalsResponse `json:"totals"`
	TransactionCount uint64           `json:"transactionCount"`
	RegisteredAt     *time.Time       `json:"registeredAt,omitempty"`
	KycVerified      bool             `json:"kycVerified"`
}

type remittanceResponse struct {
	ID             uint64     `json:"id"`
	Sender         string     `json:"sender"`
	Recipient      string     `json:"recipient"`
	RecipientPhone string     `json:"recipientPhone"`
	Token          string     `json:"token"`
	Amount         string     `json:"amount"`
	Fee            string     `json:"fee"`
	Total          string     `json:"total"`
	ExchangeRate   string     `json:"exchangeRate,omitempty"`
	Reference      string     `json:"reference,omitempty"`
	Status         string     `json:"status"`
	KycVerified    bool       `json:"kycVerified"`
	CreatedAt      time.Time  `json:"createdAt"`
	SettledAt      *time.Time `json:"settledAt,omitempty"`
	SettledBy      string     `json:"settledBy,omitempty"`
}

type systemResponse struct {
	FeeRateBps    uint32   `json:"feeRateBps"`
	MaxFeeRateBps uint32   `json:"maxFeeRateBps"`
	Paused        bool     `json:"paused"`
	Tokens        []string `json:"tokens"`
	Admin         string   `json:"admin"`
	FeeSink       string   `json:"feeSink"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	var payload registerRequest
	if !decodeBody(w, r, &payload) {
		return
	}
	profile, err := s.ledger.Register(r.Context(), caller, payload.PhoneNumber, payload.DisplayName)
	if err != nil {
		s.metrics.incRegistration("rejected")
		s.writeEngineError(w, r, err)
		return
	}
	s.metrics.incRegistration("registered")
	s.logger.Info("profile registered",
		zap.String("account", caller.Hex()),
		logging.Phone("phone", profile.PhoneNumber))
	writeJSON(w, http.StatusCreated, toProfileResponse(caller, profile))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	var payload updateProfileRequest
	if !decodeBody(w, r, &payload) {
		return
	}
	profile, err := s.ledger.UpdateDisplayName(r.Context(), caller, payload.DisplayName)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(caller, profile))
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAddressParam(w, chi.URLParam(r, "account"))
	if !ok {
		return
	}
	profile, err := s.ledger.GetProfile(r.Context(), account)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(account, profile))
}

func (s *Server) handleGetProfileByPhone(w http.ResponseWriter, r *http.Request) {
	profile, err := s.ledger.GetProfileByPhone(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(profile.Account, profile))
}

// handleCreateRemittance is idempotent per caller and X-Idempotency-Key: a
// retry with the same body replays the stored response, a retry with a
// different body is refused. Failed attempts are not stored.
func (s *Server) handleCreateRemittance(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		writeBadRequest(w, "missing "+headerIdempotencyKey+" header")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, "unreadable body")
		return
	}
	ctx := r.Context()
	scoped := idempotency.ScopedKey(caller, key)
	hash := idempotency.RequestHash(r.Method, r.URL.Path, body)

	unlock := s.createLocks.Lock(scoped)
	defer unlock()

	existing, err := s.store.Get(ctx, scoped)
	if err != nil {
		s.logger.Warn("idempotency lookup failed", zap.String("key", scoped), zap.Error(err))
	}
	if existing != nil {
		if !existing.Matches(hash) {
			writeJSON(w, http.StatusConflict, errorBody{Error: errorDetail{
				Code:    "IdempotencyKeyReused",
				Kind:    remit.KindConflict.String(),
				Message: "idempotency key already used with a different request",
			}})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incReplay()
		return
	}

	var payload createRemittanceRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeBadRequest(w, "invalid json payload")
		return
	}
	req, err := toCreateRequest(caller, payload)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	id, err := s.ledger.CreateRemittance(ctx, req)
	if err != nil {
		s.metrics.incRemittance("rejected")
		s.writeEngineError(w, r, err)
		return
	}
	s.metrics.incRemittance("created")

	rec, err := s.ledger.GetRemittance(ctx, id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	respBody, err := json.Marshal(toRemittanceResponse(rec))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	now := time.Now()
	record := idempotency.Record{
		RequestHash: hash,
		StatusCode:  http.StatusCreated,
		Response:    respBody,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.store.Save(ctx, scoped, record); err != nil {
		s.logger.Error("idempotency save failed", zap.Uint64("id", id), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(respBody)
}

func (s *Server) handleGetRemittance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rec, err := s.ledger.GetRemittance(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRemittanceResponse(rec))
}

func (s *Server) handleCompleteRemittance(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, "completed", s.ledger.CompleteRemittance)
}

func (s *Server) handleCancelRemittance(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, "cancelled", s.ledger.CancelRemittance)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, outcome string,
	op func(ctx context.Context, caller common.Address, id uint64) error) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	caller := callerFrom(r)
	if err := op(r.Context(), caller, id); err != nil {
		s.metrics.incRemittance("rejected")
		s.writeEngineError(w, r, err)
		return
	}
	s.metrics.incRemittance(outcome)

	rec, err := s.ledger.GetRemittance(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRemittanceResponse(rec))
}

func (s *Server) handleListRemittances(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAddressParam(w, chi.URLParam(r, "account"))
	if !ok {
		return
	}
	list, err := s.ledger.ListRemittances(r.Context(), account)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	out := make([]remittanceResponse, 0, len(list))
	for _, rec := range list {
		out = append(out, toRemittanceResponse(rec))
	}
	writeJSON(w, http.StatusOK, struct {
		Remittances []remittanceResponse `json:"remittances"`
	}{out})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	info, err := s.ledger.System(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.metrics.setPaused(info.Paused)
	tokens := make([]string, 0, len(info.Tokens))
	for _, t := range info.Tokens {
		tokens = append(tokens, tokenString(t))
	}
	writeJSON(w, http.StatusOK, systemResponse{
		FeeRateBps:    info.FeeRateBps,
		MaxFeeRateBps: info.MaxFeeRateBps,
		Paused:        info.Paused,
		Tokens:        tokens,
		Admin:         info.Admin.Hex(),
		FeeSink:       info.FeeSink.Hex(),
	})
}

func (s *Server) handleUpdateFeeRate(w http.ResponseWriter, r *http.Request) {
	var payload feeRateRequest
	if !decodeBody(w, r, &payload) {
		return
	}
	if payload.RateBps == nil {
		writeBadRequest(w, "rateBps is required")
		return
	}
	err := s.ledger.UpdateFeeRate(r.Context(), callerFrom(r), *payload.RateBps)
	s.metrics.incAdmin("fee_rate", err)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.handleSystem(w, r)
}

func (s *Server) handleSetToken(w http.ResponseWriter, r *http.Request) {
	token, err := parseToken(chi.URLParam(r, "token"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var payload tokenSupportRequest
	if !decodeBody(w, r, &payload) {
		return
	}
	if payload.Supported == nil {
		writeBadRequest(w, "supported is required")
		return
	}
	err = s.ledger.SetSupported(r.Context(), callerFrom(r), token, *payload.Supported)
	s.metrics.incAdmin("token_support", err)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.handleSystem(w, r)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	err := s.ledger.Pause(r.Context(), callerFrom(r))
	s.metrics.incAdmin("pause", err)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.handleSystem(w, r)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	err := s.ledger.Unpause(r.Context(), callerFrom(r))
	s.metrics.incAdmin("unpause", err)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.handleSystem(w, r)
}

func callerFrom(r *http.Request) common.Address {
	caller, _ := hmacauth.Caller(r.Context())
	return caller
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeBadRequest(w, "invalid json payload")
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeBadRequest(w, "invalid remittance id")
		return 0, false
	}
	return id, true
}

func parseAddressParam(w http.ResponseWriter, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		writeBadRequest(w, fmt.Sprintf("invalid account %q", raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// parseToken accepts a hex address or "native" for the native asset.
func parseToken(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, nativeTokenAlias) {
		return remit.NativeToken, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid token %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func tokenString(t common.Address) string {
	if t == remit.NativeToken {
		return nativeTokenAlias
	}
	return t.Hex()
}

func toCreateRequest(caller common.Address, p createRemittanceRequest) (remit.CreateRequest, error) {
	token, err := parseToken(p.Token)
	if err != nil {
		return remit.CreateRequest{}, err
	}
	amount, err := uint256.FromDecimal(strings.TrimSpace(p.Amount))
	if err != nil {
		return remit.CreateRequest{}, fmt.Errorf("invalid amount %q", p.Amount)
	}
	req := remit.CreateRequest{
		Sender:         caller,
		RecipientPhone: p.RecipientPhone,
		Token:          token,
		Amount:         amount,
		ExchangeRate:   p.ExchangeRate,
		Reference:      p.Reference,
	}
	if p.Recipient != "" {
		if !common.IsHexAddress(p.Recipient) {
			return remit.CreateRequest{}, fmt.Errorf("invalid recipient %q", p.Recipient)
		}
		req.Recipient = common.HexToAddress(p.Recipient)
	}
	return req, nil
}

func toProfileResponse(account common.Address, p remit.Profile) profileResponse {
	resp := profileResponse{
		Account:          account.Hex(),
		Registered:       p.Registered(),
		PhoneNumber:      p.PhoneNumber,
		DisplayName:      p.DisplayName,
		Totals:           []totalsResponse{},
		TransactionCount: p.TransactionCount,
		KycVerified:      p.KycVerified,
	}
	if p.Registered() {
		at := p.RegisteredAt
		resp.RegisteredAt = &at
	}
	for _, token := range slices.SortedFunc(maps.Keys(p.Totals), common.Address.Cmp) {
		resp.Totals = append(resp.Totals, totalsResponse{
			Token:    tokenString(token),
			Sent:     p.TotalSent(token).Dec(),
			Received: p.TotalReceived(token).Dec(),
		})
	}
	return resp
}

func toRemittanceResponse(r *remit.Remittance) remittanceResponse {
	resp := remittanceResponse{
		ID:             r.ID,
		Sender:         r.Sender.Hex(),
		Recipient:      r.Recipient.Hex(),
		RecipientPhone: r.RecipientPhone,
		Token:          tokenString(r.Token),
		Amount:         r.Amount.Dec(),
		Fee:            r.Fee.Dec(),
		Total:          r.Total().Dec(),
		ExchangeRate:   r.ExchangeRate,
		Reference:      r.Reference,
		Status:         r.Status.String(),
		KycVerified:    r.KycVerified,
		CreatedAt:      r.CreatedAt,
	}
	if !r.SettledAt.IsZero() {
		at := r.SettledAt
		resp.SettledAt = &at
		resp.SettledBy = r.SettledBy.Hex()
	}
	return resp
}
