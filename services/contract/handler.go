package contract

import (
	"strconv"

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
	g := r.Private.Group("/contracts")
	g.POST("", h.Create)
	g.GET("", h.ListMine)
	g.GET("/:id", h.Get)
	g.GET("/:id/children", h.ListChildren)
	g.POST("/:id/pause", h.Pause)
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateParams
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	out, err := h.svc.Create(c.Request.Context(), middleware.Actor(c), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.Created(c, out)
}

func (h *Handler) ListMine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 250 {
		limit = 50
	}

	out, err := h.svc.ListForUser(c.Request.Context(), middleware.Actor(c).UserID, limit)
	if err != nil {
		_ = c.Error(errutil.Internal("failed to list contracts", err))
		return
	}
	httpapi.OK(c, out)
}

// visible loads the contract and checks the caller is a party to it or to its
// parent.
func (h *Handler) visible(c *gin.Context) (*Contract, bool) {
	ctx := c.Request.Context()
	a := middleware.Actor(c)

	out, err := h.svc.Get(ctx, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	if out.IsParty(a.UserID) || a.Privileged() {
		return out, true
	}
	if root, err := h.svc.Root(ctx, out); err == nil && root.IsParty(a.UserID) {
		return out, true
	}

	_ = c.Error(errutil.NotFound("contract not found", nil))
	return nil, false
}

func (h *Handler) Get(c *gin.Context) {
	out, ok := h.visible(c)
	if !ok {
		return
	}
	httpapi.OK(c, out)
}

func (h *Handler) ListChildren(c *gin.Context) {
	parent, ok := h.visible(c)
	if !ok {
		return
	}

	out, err := h.svc.ListChildren(c.Request.Context(), parent.ID)
	if err != nil {
		_ = c.Error(errutil.Internal("failed to list child contracts", err))
		return
	}
	httpapi.OK(c, out)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Pause(c *gin.Context) {
	var req pauseRequest
	_ = c.ShouldBindJSON(&req)

	out, err := h.svc.Pause(c.Request.Context(), middleware.Actor(c), c.Param("id"), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}
