package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/app"
	billingApp "github.com/felixgeelhaar/tunnelgate/internal/billing/application"
	billingDomain "github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/billing/infrastructure/gateway"
	referralApp "github.com/felixgeelhaar/tunnelgate/internal/referral/application"
	referralDomain "github.com/felixgeelhaar/tunnelgate/internal/referral/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/subscription/application/commands"
	"github.com/felixgeelhaar/tunnelgate/internal/subscription/application/queries"
	subscriptionDomain "github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 64 << 10

// Handler serves the webhook and the bot-facing API.
type Handler struct {
	c      *app.Container
	logger *slog.Logger
}

// NewHandler creates a Handler over the container's services.
func NewHandler(c *app.Container) *Handler {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{c: c, logger: logger}
}

// Webhook handles POST /webhooks/payments. A malformed notification gets
// 400 and is not retried by the gateway; any other failure gets 500 so the
// delivery is repeated.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	n, err := gateway.ParseNotification(body)
	if err != nil {
		h.logger.Warn("rejected gateway notification", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_notification", err.Error())
		return
	}

	outcome, err := h.c.WebhookHandler.Handle(r.Context(), n)
	if err != nil {
		if errors.Is(err, sharedDomain.ErrValidation) {
			writeError(w, http.StatusBadRequest, "invalid_notification", err.Error())
			return
		}
		h.logger.Error("gateway notification failed",
			"event", n.Event,
			"payment_id", n.Charge.ID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "notification not processed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "outcome": string(outcome)})
}

type startRequest struct {
	ReferrerID int64 `json:"referrer_id,omitempty"`
}

type startResponse struct {
	Gifted       bool               `json:"gifted"`
	Referred     bool               `json:"referred"`
	GiftError    string             `json:"gift_error,omitempty"`
	Subscription *queries.StatusDTO `json:"subscription"`
}

// Start handles POST /api/v1/users/{userID}/start: the welcome gift and an
// optional referral, then the current status.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req startRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	ctx := r.Context()
	resp := startResponse{}

	if req.ReferrerID != 0 {
		err := h.c.ReferralEngine.RegisterAndReward(ctx, referralApp.RegisterCommand{ReferrerID: req.ReferrerID, ReferredID: userID})
		switch {
		case err == nil:
			resp.Referred = true
		case errors.Is(err, sharedDomain.ErrValidation):
			h.logger.Info("referral ignored", "user_id", userID, "referrer_id", req.ReferrerID, "error", err)
		default:
			writeDomainError(w, err)
			return
		}
	}

	if h.c.Config.GiftDays > 0 {
		_, err := h.c.GiftHandler.Handle(ctx, commands.GiftCommand{UserID: userID, Days: h.c.Config.GiftDays})
		switch {
		case err == nil:
			resp.Gifted = true
		case errors.Is(err, commands.ErrGiftUnavailable):
		case sharedDomain.IsRetryable(err):
			h.logger.Warn("gift provisioning failed", "user_id", userID, "error", err)
			resp.GiftError = "provisioning unavailable, try again later"
		default:
			writeDomainError(w, err)
			return
		}
	}

	status, err := h.c.GetStatusHandler.Handle(ctx, queries.GetStatusQuery{UserID: userID})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp.Subscription = status
	writeJSON(w, http.StatusOK, resp)
}

// Status handles GET /api/v1/users/{userID}/subscription.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	status, err := h.c.GetStatusHandler.Handle(r.Context(), queries.GetStatusQuery{UserID: userID})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SubscriptionHistory handles GET /api/v1/users/{userID}/subscription/history.
func (h *Handler) SubscriptionHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	entries, err := h.c.ListHistoryHandler.Handle(r.Context(), queries.ListHistoryQuery{
		UserID: userID,
		Limit:  intQuery(r, "limit", 20),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type autoRenewRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetAutoRenew handles PUT /api/v1/users/{userID}/subscription/auto-renew.
func (h *Handler) SetAutoRenew(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req autoRenewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "bad_request", `body must be {"enabled": true|false}`)
		return
	}
	if err := h.c.SetAutoRenewHandler.Handle(r.Context(), commands.SetAutoRenewCommand{UserID: userID, Enabled: *req.Enabled}); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"auto_renew": *req.Enabled})
}

type reconciledResponse struct {
	Outcome   billingApp.Outcome `json:"outcome"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	PanelLag  bool               `json:"panel_lag,omitempty"`
}

func toReconciled(res *billingApp.ReconcileResult) *reconciledResponse {
	if res == nil {
		return nil
	}
	out := &reconciledResponse{Outcome: res.Outcome, PanelLag: res.ProvisioningErr != nil}
	if res.Subscription != nil {
		expires := res.Subscription.ExpiresAt
		out.ExpiresAt = &expires
	}
	return out
}

type checkoutResponse struct {
	PaymentID   string                     `json:"payment_id"`
	Scenario    billingApp.Scenario        `json:"scenario"`
	Status      billingDomain.ChargeStatus `json:"status"`
	RedirectURL string                     `json:"redirect_url,omitempty"`
	Reconciled  *reconciledResponse        `json:"reconciled,omitempty"`
}

// StartCheckout handles POST /api/v1/users/{userID}/checkout.
func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	res, err := h.c.Checkout.Start(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{
		PaymentID:   res.GatewayPaymentID,
		Scenario:    res.Scenario,
		Status:      res.Status,
		RedirectURL: res.RedirectURL,
		Reconciled:  toReconciled(res.Reconciled),
	})
}

type checkResponse struct {
	State      billingApp.CheckState `json:"state"`
	PaymentID  string                `json:"payment_id"`
	Reconciled *reconciledResponse   `json:"reconciled,omitempty"`
}

// CheckPayment handles POST /api/v1/users/{userID}/checkout/check.
func (h *Handler) CheckPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	res, err := h.c.Checkout.Check(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{
		State:      res.State,
		PaymentID:  res.GatewayPaymentID,
		Reconciled: toReconciled(res.Reconciled),
	})
}

type paymentDTO struct {
	PaymentID string               `json:"payment_id"`
	Amount    string               `json:"amount"`
	Currency  string               `json:"currency"`
	Kind      billingDomain.Kind   `json:"kind"`
	Status    billingDomain.Status `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
}

// Payments handles GET /api/v1/users/{userID}/payments, newest first.
func (h *Handler) Payments(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	payments, err := h.c.Checkout.History(r.Context(), userID, intQuery(r, "limit", 20))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]paymentDTO, 0, len(payments))
	for _, p := range payments {
		out = append(out, paymentDTO{
			PaymentID: p.GatewayPaymentID,
			Amount:    p.Money.Decimal(),
			Currency:  p.Money.Currency,
			Kind:      p.Kind,
			Status:    p.Status,
			CreatedAt: p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": out})
}

// ReferralStats handles GET /api/v1/users/{userID}/referrals.
func (h *Handler) ReferralStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	total, rewarded, err := h.c.ReferralEngine.Stats(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"invited":    total,
		"rewarded":   rewarded,
		"bonus_days": rewarded * h.c.Config.ReferralBonusDays,
	})
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "user id must be a positive integer")
		return 0, false
	}
	return id, true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

func intQuery(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// writeDomainError maps the error taxonomy and domain sentinels to statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscriptionDomain.ErrSubscriptionNotFound),
		errors.Is(err, referralDomain.ErrReferralNotFound),
		errors.Is(err, billingDomain.ErrNoPendingPayment):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, subscriptionDomain.ErrInvalidUser),
		errors.Is(err, billingDomain.ErrInvalidUser),
		errors.Is(err, sharedDomain.ErrValidation):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, sharedDomain.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, sharedDomain.ErrTransport), errors.Is(err, sharedDomain.ErrAuth):
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "payment or provisioning system unavailable")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
