package handler

import (
	"database/sql"
	"net/http"
	"strconv"

	"marketchat/internal/domain/message"
	"marketchat/internal/services"
	"marketchat/internal/transport/httpdto"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	service *services.MessageService
}

func NewMessageHandler(service *services.MessageService) *MessageHandler {
	return &MessageHandler{service: service}
}

func (h *MessageHandler) Send(c *gin.Context) {
	var req httpdto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	userID, ok := callerID(c)
	if !ok {
		return
	}

	in := services.SendInput{
		SenderID:        userID,
		Kind:            message.Kind(req.Kind),
		ClientMessageID: req.ClientMessageID,
		Body: message.Body{
			Text:     req.Text,
			MediaURL: req.MediaURL,
			FileName: req.FileName,
			MimeType: req.MimeType,
		},
	}
	if req.Latitude != nil {
		in.Body.Latitude = sql.NullFloat64{Float64: *req.Latitude, Valid: true}
	}
	if req.Longitude != nil {
		in.Body.Longitude = sql.NullFloat64{Float64: *req.Longitude, Valid: true}
	}

	conversationID, err := optionalUUID(req.ConversationID)
	if err != nil {
		badRequest(c, "invalid conversation_id")
		return
	}
	recipientID, err := optionalUUID(req.RecipientID)
	if err != nil {
		badRequest(c, "invalid recipient_id")
		return
	}
	if in.ListingID, err = optionalUUID(req.ListingID); err != nil {
		badRequest(c, "invalid listing_id")
		return
	}
	if in.ReplyToID, err = optionalUUID(req.ReplyToID); err != nil {
		badRequest(c, "invalid reply_to_id")
		return
	}
	in.ConversationID = conversationID.UUID
	in.RecipientID = recipientID.UUID

	msg, err := h.service.Send(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(httpdto.FromMessage(msg)))
}

func (h *MessageHandler) List(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}

	limit, err := queryInt(c, "limit", services.DefaultPageSize)
	if err != nil {
		badRequest(c, "invalid limit")
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		badRequest(c, "invalid offset")
		return
	}

	items, err := h.service.GetMessages(c.Request.Context(), conversationID, userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ListMessagesResponse{
		Messages: httpdto.FromMessageSlice(items),
		Limit:    limit,
		Offset:   offset,
	}))
}

func (h *MessageHandler) Delete(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}

	deleted, err := h.service.SoftDelete(c.Request.Context(), messageID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !deleted {
		respondError(c, marketchat_errors.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"deleted": true}))
}

func (h *MessageHandler) Edit(c *gin.Context) {
	var req httpdto.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	userID, ok := callerID(c)
	if !ok {
		return
	}
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}

	msg, err := h.service.Edit(c.Request.Context(), messageID, userID, req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromMessage(msg)))
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
