package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/consult-platform/internal/common"
	"github.com/suPer8Hu/consult-platform/internal/httpapi/middleware"
	"github.com/suPer8Hu/consult-platform/internal/models"
)

type createUserReq struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	user, err := h.Accounts.Register(c.Request.Context(), req.Name, req.Email, req.Password, models.RoleUser)
	if err != nil {
		h.fail(c, err)
		return
	}

	token, err := h.Accounts.IssueToken(user.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	common.OK(c, gin.H{
		"user":  user,
		"token": token,
	})
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}
	if req.Email == "" || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "email and password required")
		return
	}

	token, user, err := h.Accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}

	common.OK(c, gin.H{
		"user":  user,
		"token": token,
	})
}

// GetUser is the identity endpoint the client loads once per process.
func (h *Handler) GetUser(c *gin.Context) {
	u, ok := middleware.CurrentUser(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	common.OK(c, gin.H{"user": u})
}

type setRoleReq struct {
	Role *int `json:"user_role"`
}

func (h *Handler) SetUserRole(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid user id")
		return
	}

	var req setRoleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}
	if req.Role == nil {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "user_role required")
		return
	}
	role := models.Role(*req.Role)
	if role != models.RoleUser && role != models.RoleAdmin && role != models.RoleReverend {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "unknown role")
		return
	}

	user, err := h.Accounts.SetRole(c.Request.Context(), id, role)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Log.Infow("user role changed", "user_id", id, "role", role.String())
	common.OK(c, gin.H{"user": user})
}
