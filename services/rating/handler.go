package rating

import (
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
	r.Private.POST("/contracts/:id/ratings", h.Rate)
	r.Private.GET("/users/:id/ratings", h.ListForUser)
}

func (h *Handler) Rate(c *gin.Context) {
	var req RateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	out, err := h.svc.CreateOrUpdate(c.Request.Context(), c.Param("id"), middleware.Actor(c).UserID, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

func (h *Handler) ListForUser(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")

	rows, err := h.svc.ListForUser(ctx, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	summary, err := h.svc.Summary(ctx, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OKWithMeta(c, rows, summary)
}
