package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/consult-platform/internal/common"
	"github.com/suPer8Hu/consult-platform/internal/httpapi/middleware"
	"github.com/suPer8Hu/consult-platform/internal/models"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"
	maxIdempotencyKey = 128
)

type createSessionReq struct {
	CategoryID     uint64 `json:"categoryId"`
	InitialMessage string `json:"initial_message"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	var key *string
	if k := strings.TrimSpace(c.GetHeader(IdempotencyHeader)); k != "" {
		if len(k) > maxIdempotencyKey {
			common.Fail(c, http.StatusBadRequest, common.CodeKeyTooLong, "idempotency key too long")
			return
		}
		key = &k
	}

	sess, created, err := h.Chat.CreateSession(c.Request.Context(), uid, req.CategoryID, req.InitialMessage, key)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !created {
		c.Header(ReplayedHeader, "true")
	}
	common.OK(c, sess)
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	out, err := h.Chat.SessionsForUser(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, out)
}

func (h *Handler) WaitingChatSessions(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	out, err := h.Chat.WaitingSessions(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, out)
}

func (h *Handler) GetChatSession(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	sess, err := h.Chat.GetSession(c.Request.Context(), uid, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) AcceptChatSession(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	sess, err := h.Chat.AcceptSession(c.Request.Context(), uid, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

type sendMessageReq struct {
	Message string `json:"message"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	msg, err := h.Chat.SendMessage(c.Request.Context(), uid, id, req.Message)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, msg)
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.Chat.ListMessages(c.Request.Context(), uid, id, limit, beforeID)
	if err != nil {
		h.fail(c, err)
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

func (h *Handler) MarkChatRead(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	n, err := h.Chat.MarkRead(c.Request.Context(), uid, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"marked": n})
}

func (h *Handler) CloseChatSession(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	sess, err := h.Chat.CloseSession(c.Request.Context(), uid, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) MediaToken(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	creds, err := h.Chat.MediaCredentials(c.Request.Context(), uid, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, creds)
}

func (h *Handler) Categories(c *gin.Context) {
	out, err := h.Chat.Categories(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, out)
}

func (h *Handler) AdminChatSessions(c *gin.Context) {
	status := models.SessionStatus(c.DefaultQuery("status", string(models.StatusWaiting)))
	if !status.Valid() {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "unknown status")
		return
	}
	out, err := h.Chat.AdminSessions(c.Request.Context(), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, out)
}

// ServeWS upgrades to the event stream. Channel access is checked per
// subscribe frame by the hub.
func (h *Handler) ServeWS(c *gin.Context) {
	u, ok := middleware.CurrentUser(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	h.Hub.ServeWS(c.Writer, c.Request, u)
}
