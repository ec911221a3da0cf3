package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Collab/internal/app/orch"
	"github.com/dkeye/Collab/internal/domain"
)

type handlers struct {
	orch *orch.Orchestrator
}

type DeliverRequest struct {
	Event string          `json:"event" binding:"required"`
	Data  json.RawMessage `json:"data"`
}

type DeliverResponse struct {
	Delivered int `json:"delivered"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"rooms":  h.orch.Rooms.Len(),
		"users":  h.orch.Registry.Users(),
	})
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.orch.ListRooms()})
}

func (h *handlers) roomUsers(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	users, ok := h.orch.RoomUsers(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": id, "users": users})
}

func (h *handlers) userOnline(c *gin.Context) {
	id := domain.UserID(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"user_id": id, "online": h.orch.IsOnline(id)})
}

func (h *handlers) broadcastToRoom(c *gin.Context) {
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid event"})
		return
	}
	n, err := h.orch.BroadcastToRoom(domain.RoomID(c.Param("id")), req.Event, req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, DeliverResponse{Delivered: n})
}

func (h *handlers) sendToUser(c *gin.Context) {
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid event"})
		return
	}
	n, err := h.orch.SendToUser(domain.UserID(c.Param("id")), req.Event, req.Data)
	switch {
	case errors.Is(err, domain.ErrOffline):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, DeliverResponse{Delivered: n})
	}
}
