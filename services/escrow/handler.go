package escrow

import (
	"encoding/json"
	"io"
	"net/http"

	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/httpapi"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/middleware"
	"freight-controlplane/pkg/payment"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	svc           *Service
	webhookSecret string
}

func NewHandler(svc *Service, cfg *config.Config) *Handler {
	return &Handler{svc: svc, webhookSecret: cfg.Payment.WebhookSecret}
}

func RegisterRoutes(r *httpapi.Router, h *Handler) {
	g := r.Private.Group("/contracts/:id")
	g.POST("/start", h.Start)
	g.POST("/complete", h.Complete)
	g.POST("/complete-job", h.CompleteJob)
	g.POST("/cancel", h.Cancel)
	g.POST("/resume", h.Resume)
	g.GET("/payouts", h.ListPayouts)

	r.Private.POST("/contract-transactions/:id/refund", h.Refund)
	r.Private.PUT("/payout-account", h.SetPayoutAccount)

	r.Public.POST("/webhooks/payment", h.Webhook)
}

func (h *Handler) Start(c *gin.Context) {
	out, err := h.svc.StartContract(c.Request.Context(), middleware.Actor(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

func (h *Handler) Resume(c *gin.Context) {
	out, err := h.svc.ResumeContract(c.Request.Context(), middleware.Actor(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

func (h *Handler) Complete(c *gin.Context) {
	out, err := h.svc.CompleteContract(c.Request.Context(), middleware.Actor(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

func (h *Handler) CompleteJob(c *gin.Context) {
	out, err := h.svc.CompleteJob(c.Request.Context(), middleware.Actor(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c *gin.Context) {
	var req reasonRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	out, err := h.svc.CancelContract(c.Request.Context(), middleware.Actor(c), c.Param("id"), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

func (h *Handler) ListPayouts(c *gin.Context) {
	out, err := h.svc.ListPayouts(c.Request.Context(), middleware.Actor(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

type refundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	out, err := h.svc.RefundPayout(c.Request.Context(), middleware.Actor(c), c.Param("id"), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

type payoutAccountRequest struct {
	ConnectedAccountID string `json:"connected_account_id"`
}

func (h *Handler) SetPayoutAccount(c *gin.Context) {
	var req payoutAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	out, err := h.svc.SetPayoutAccount(c.Request.Context(), middleware.Actor(c).UserID, req.ConnectedAccountID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

// Webhook always acknowledges so the provider stops redelivering; events
// that fail verification are logged and dropped.
func (h *Handler) Webhook(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)
	ack := gin.H{"received": true}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		log.Warn("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusOK, ack)
		return
	}
	if !payment.VerifySignature(h.webhookSecret, body, c.GetHeader(payment.SignatureHeader)) {
		log.Warn("webhook signature rejected")
		c.JSON(http.StatusOK, ack)
		return
	}

	var ev payment.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Warn("malformed webhook payload", zap.Error(err))
		c.JSON(http.StatusOK, ack)
		return
	}

	if err := h.svc.HandleWebhook(ctx, ev); err != nil {
		log.Warn("webhook event not applied", zap.String("event_id", ev.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, ack)
}
