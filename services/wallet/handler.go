package wallet

import (
	"freight-controlplane/pkg/actor"
	"freight-controlplane/pkg/db/pagination"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/httpapi"
	"freight-controlplane/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *httpapi.Router, h *Handler) {
	g := r.Private.Group("/wallets")
	g.GET("/me", h.GetMyWallet)
	g.GET("/me/transactions", h.ListMyTransactions)
	g.POST("/me/withdrawals", h.Withdraw)

	admin := g.Group("", middleware.RequireRole(actor.RoleAdmin))
	admin.PUT("/withdrawals/:id", h.MarkWithdrawal)
	admin.GET("/:walletId/audit", h.Audit)
}

func (h *Handler) GetMyWallet(c *gin.Context) {
	w, err := h.svc.OpenWallet(c.Request.Context(), middleware.Actor(c).UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, w)
}

func (h *Handler) ListMyTransactions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	rows, info, err := h.svc.ListTransactions(c.Request.Context(), middleware.Actor(c).UserID, page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OKWithMeta(c, rows, info)
}

type withdrawRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

func (h *Handler) Withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	entry, err := h.svc.Withdraw(c.Request.Context(), middleware.Actor(c).UserID, req.Amount, Reference{
		ID:          req.Reference,
		Type:        "withdrawal_request",
		Description: req.Description,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.Created(c, entry)
}

type markWithdrawalRequest struct {
	Status TransactionStatus `json:"status" binding:"required"`
}

func (h *Handler) MarkWithdrawal(c *gin.Context) {
	var req markWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	entry, err := h.svc.MarkWithdrawal(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, entry)
}

type auditResponse struct {
	*ReplayResult
	BalancesMatch bool   `json:"balances_match"`
	ChainValid    bool   `json:"chain_valid"`
	ChainError    string `json:"chain_error,omitempty"`
}

func (h *Handler) Audit(c *gin.Context) {
	ctx := c.Request.Context()
	walletID := c.Param("walletId")

	replay, err := h.svc.Replay(ctx, walletID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := auditResponse{ReplayResult: replay, BalancesMatch: replay.Consistent(), ChainValid: true}
	if err := h.svc.VerifyChain(ctx, walletID); err != nil {
		resp.ChainValid = false
		resp.ChainError = err.Error()
	}
	httpapi.OK(c, resp)
}
