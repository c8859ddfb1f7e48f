package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/store"
)

// Store is the read and write surface the handlers need.
type Store interface {
	ConversationByPair(ctx context.Context, a, b int64) (*store.Conversation, error)
	MessagesByConversation(ctx context.Context, conversationID int64) ([]store.MessageView, error)
	ConversationsByUser(ctx context.Context, userID int64) ([]store.ConversationSummary, error)
	TripMessages(ctx context.Context, tripID int64) ([]store.TripMessage, error)
	CreateTripMessage(ctx context.Context, tripID, senderID int64, text string) (*store.TripMessage, error)
	SetTripMessagePinned(ctx context.Context, tripID, messageID int64, pinned bool) (bool, error)
}

// Handler exposes the REST endpoints.
type Handler struct {
	store Store
	log   zerolog.Logger
}

// NewHandler constructs the handler.
func NewHandler(st Store, log zerolog.Logger) *Handler {
	return &Handler{
		store: st,
		log:   log.With().Str("handler", "api").Logger(),
	}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	messages := r.Group("/messages")
	messages.GET("/conversation/:user1Id/:user2Id", h.ConversationByPair)
	messages.GET("/messages/:conversationId", h.ConversationMessages)
	messages.GET("/user/:userId", h.UserConversations)

	trips := r.Group("/trips")
	trips.GET("/:id/messages", h.TripMessages)
	trips.POST("/:id/messages", h.CreateTripMessage)
	trips.PUT("/:id/messages/:messageId/pin", h.PinTripMessage)
}

type createTripMessageRequest struct {
	SenderID int64  `json:"sender_id" binding:"required,gt=0"`
	Message  string `json:"message" binding:"required,max=4000"`
}

type pinRequest struct {
	IsPinned *bool `json:"is_pinned" binding:"required"`
}

// ConversationByPair handles GET /api/messages/conversation/:user1Id/:user2Id.
// Data is null when the users have never messaged.
func (h *Handler) ConversationByPair(c *gin.Context) {
	a, ok := pathID(c, "user1Id")
	if !ok {
		return
	}
	b, ok := pathID(c, "user2Id")
	if !ok {
		return
	}

	conv, err := h.store.ConversationByPair(c.Request.Context(), a, b)
	if err != nil {
		h.internal(c, err, "failed to load conversation")
		return
	}
	respond(c, http.StatusOK, conv)
}

// ConversationMessages handles GET /api/messages/messages/:conversationId.
func (h *Handler) ConversationMessages(c *gin.Context) {
	id, ok := pathID(c, "conversationId")
	if !ok {
		return
	}

	msgs, err := h.store.MessagesByConversation(c.Request.Context(), id)
	if err != nil {
		h.internal(c, err, "failed to load messages")
		return
	}
	respond(c, http.StatusOK, msgs)
}

// UserConversations handles GET /api/messages/user/:userId.
func (h *Handler) UserConversations(c *gin.Context) {
	id, ok := pathID(c, "userId")
	if !ok {
		return
	}

	convs, err := h.store.ConversationsByUser(c.Request.Context(), id)
	if err != nil {
		h.internal(c, err, "failed to load conversations")
		return
	}
	respond(c, http.StatusOK, convs)
}

// TripMessages handles GET /api/trips/:id/messages.
func (h *Handler) TripMessages(c *gin.Context) {
	tripID, ok := pathID(c, "id")
	if !ok {
		return
	}

	msgs, err := h.store.TripMessages(c.Request.Context(), tripID)
	if err != nil {
		h.internal(c, err, "failed to load trip messages")
		return
	}
	respond(c, http.StatusOK, msgs)
}

// CreateTripMessage handles POST /api/trips/:id/messages.
func (h *Handler) CreateTripMessage(c *gin.Context) {
	tripID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req createTripMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Missing required fields")
		return
	}

	msg, err := h.store.CreateTripMessage(c.Request.Context(), tripID, req.SenderID, req.Message)
	if err != nil {
		h.internal(c, err, "failed to save trip message")
		return
	}
	respond(c, http.StatusCreated, msg)
}

// PinTripMessage handles PUT /api/trips/:id/messages/:messageId/pin.
func (h *Handler) PinTripMessage(c *gin.Context) {
	tripID, ok := pathID(c, "id")
	if !ok {
		return
	}
	messageID, ok := pathID(c, "messageId")
	if !ok {
		return
	}

	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "is_pinned is required")
		return
	}

	found, err := h.store.SetTripMessagePinned(c.Request.Context(), tripID, messageID, *req.IsPinned)
	if err != nil {
		h.internal(c, err, "failed to update pin status")
		return
	}
	if !found {
		fail(c, http.StatusNotFound, "message not found")
		return
	}
	c.JSON(http.StatusOK, statusMessage{Success: true, Message: "Message pin status updated"})
}

func (h *Handler) internal(c *gin.Context, err error, message string) {
	h.log.Error().Err(err).Str("path", c.FullPath()).Msg(message)
	fail(c, http.StatusInternalServerError, message)
}

// pathID parses a positive integer path parameter, answering 400 otherwise.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}
