package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/consult-platform/internal/accounts"
	"github.com/suPer8Hu/consult-platform/internal/chat"
	"github.com/suPer8Hu/consult-platform/internal/common"
	"github.com/suPer8Hu/consult-platform/internal/httpapi/middleware"
	"github.com/suPer8Hu/consult-platform/internal/realtime"
	"go.uber.org/zap"
)

type Handler struct {
	Accounts *accounts.Service
	Chat     *chat.Service
	Hub      *realtime.Hub
	Log      *zap.SugaredLogger
}

func NewHandler(acc *accounts.Service, chatSvc *chat.Service, hub *realtime.Hub, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{Accounts: acc, Chat: chatSvc, Hub: hub, Log: log}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "invalid id")
		return 0, false
	}
	return id, true
}

// fail maps service errors onto status and business code.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "chat session not found")
	case errors.Is(err, accounts.ErrUserNotFound):
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "user not found")
	case errors.Is(err, chat.ErrAlreadyClaimed):
		common.Fail(c, http.StatusConflict, common.CodeAlreadyClaimed, "chat session already accepted")
	case errors.Is(err, chat.ErrSessionNotActive):
		common.Fail(c, http.StatusConflict, common.CodeSessionNotActive, "chat session not active")
	case errors.Is(err, accounts.ErrEmailTaken):
		common.Fail(c, http.StatusConflict, common.CodeEmailTaken, "email already registered")
	case errors.Is(err, chat.ErrNotParticipant):
		common.Fail(c, http.StatusForbidden, common.CodeNotParticipant, "not a participant")
	case errors.Is(err, chat.ErrNotAdvisor):
		common.Fail(c, http.StatusForbidden, common.CodeForbidden, "reverends only")
	case errors.Is(err, chat.ErrInvalidCategory):
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidCategory, "invalid category")
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong),
		errors.Is(err, accounts.ErrInvalidRegistration):
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, err.Error())
	case errors.Is(err, accounts.ErrBadCredentials):
		common.Fail(c, http.StatusUnauthorized, common.CodeBadLogin, "invalid email or password")
	case errors.Is(err, chat.ErrMediaDisabled):
		common.Fail(c, http.StatusServiceUnavailable, common.CodeInternal, "live audio is not configured")
	case errors.Is(err, chat.ErrMediaUIDRange):
		common.Fail(c, http.StatusServiceUnavailable, common.CodeInternal, "live audio is unavailable for this account")
	default:
		h.Log.Errorw("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"request_id", c.GetString(middleware.RequestIDKey),
			"err", err,
		)
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
	}
}
