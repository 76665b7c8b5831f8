package participant

import (
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/httpapi"
	"freight-controlplane/pkg/middleware"
	"freight-controlplane/services/contract"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc       *Service
	contracts *contract.Service
}

func NewHandler(svc *Service, contracts *contract.Service) *Handler {
	return &Handler{svc: svc, contracts: contracts}
}

func RegisterRoutes(r *httpapi.Router, h *Handler) {
	g := r.Private.Group("/contracts/:id")
	g.GET("/participants", h.List)
	g.POST("/drivers", h.AddDriver)
	g.POST("/drivers/change", h.ChangeDriver)
	g.DELETE("/drivers/:userId", h.RemoveDriver)
	g.PUT("/drivers/:userId/location-visibility", h.SetLocationVisibility)
	g.POST("/carriers", h.AddCarrier)
	g.POST("/invites/accept", h.Accept)
	g.POST("/invites/decline", h.Decline)

	r.Private.GET("/invites", h.ListInvites)
}

type addRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) AddDriver(c *gin.Context) {
	h.add(c, RoleDriver)
}

func (h *Handler) AddCarrier(c *gin.Context) {
	h.add(c, RoleCarrier)
}

func (h *Handler) add(c *gin.Context, role Role) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ctx := c.Request.Context()
	a := middleware.Actor(c)

	var (
		out *ContractParticipant
		err error
	)
	if role == RoleDriver {
		out, err = h.svc.AddDriver(ctx, c.Param("id"), req.UserID, a)
	} else {
		out, err = h.svc.AddCarrier(ctx, c.Param("id"), req.UserID, a)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.Created(c, out)
}

func (h *Handler) ChangeDriver(c *gin.Context) {
	var req ChangeDriverParams
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	out, err := h.svc.ChangeDriver(c.Request.Context(), c.Param("id"), middleware.Actor(c), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RemoveDriver(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = c.Query("reason")
	}

	out, err := h.svc.RemoveDriver(c.Request.Context(), c.Param("id"), c.Param("userId"), middleware.Actor(c), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

type visibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

func (h *Handler) SetLocationVisibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	out, err := h.svc.SetDriverLocationVisibility(c.Request.Context(), c.Param("id"), c.Param("userId"), middleware.Actor(c), *req.Visible)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

func (h *Handler) Accept(c *gin.Context) {
	out, err := h.svc.AcceptInvite(c.Request.Context(), c.Param("id"), middleware.Actor(c).UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

func (h *Handler) Decline(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	out, err := h.svc.DeclineInvite(c.Request.Context(), c.Param("id"), middleware.Actor(c).UserID, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httpapi.OK(c, out)
}

// List is visible to the contract parties, its participants and admins.
func (h *Handler) List(c *gin.Context) {
	ctx := c.Request.Context()
	a := middleware.Actor(c)

	ct, err := h.contracts.Get(ctx, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !ct.IsParty(a.UserID) && !a.Privileged() {
		ok, err := h.svc.IsParticipant(ctx, ct.ID, a.UserID)
		if err != nil {
			_ = c.Error(errutil.Internal("failed to check participant", err))
			return
		}
		if !ok {
			_ = c.Error(errutil.NotFound("contract not found", nil))
			return
		}
	}

	out, err := h.svc.List(ctx, ct.ID)
	if err != nil {
		_ = c.Error(errutil.Internal("failed to list participants", err))
		return
	}
	httpapi.OK(c, out)
}

func (h *Handler) ListInvites(c *gin.Context) {
	out, err := h.svc.ListInvites(c.Request.Context(), middleware.Actor(c).UserID)
	if err != nil {
		_ = c.Error(errutil.Internal("failed to list invitations", err))
		return
	}
	httpapi.OK(c, out)
}
