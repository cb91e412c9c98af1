package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"beacon-registry/internal/model"
	"beacon-registry/internal/store"
)

type putSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	P256DH   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
	UserID   string `json:"user_id" binding:"required"`
}

// PutSubscription registers a browser to receive match notifications for a user.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	subscription := model.PushSubscription{
		Endpoint:  req.Endpoint,
		UserID:    strings.TrimSpace(req.UserID),
		P256DH:    req.P256DH,
		Auth:      req.Auth,
		CreatedAt: h.clock.Now(),
	}
	if err := h.subs.UpsertSubscription(c.Request.Context(), subscription); err != nil {
		log.Printf("Error saving subscription for %s: %v", subscription.UserID, err)
		writeError(c, http.StatusServiceUnavailable, codeStorageUnavailable, "failed to save subscription")
		return
	}

	c.Status(http.StatusCreated)
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription handles the deletion of a subscription.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	if err := h.subs.DeleteSubscription(c.Request.Context(), req.Endpoint); err != nil {
		log.Printf("Error deleting subscription: %v", err)
		writeError(c, http.StatusServiceUnavailable, codeStorageUnavailable, "failed to delete subscription")
		return
	}

	c.Status(http.StatusNoContent)
}

// rawQueryParam returns a query value without URL decoding; push endpoints
// are stored exactly as the browser reported them.
func rawQueryParam(rawQuery, key string) (string, bool) {
	for _, kv := range strings.Split(rawQuery, "&") {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

// GetSubscription reports which user a subscription belongs to.
func (h *Handler) GetSubscription(c *gin.Context) {
	raw, ok := rawQueryParam(c.Request.URL.RawQuery, "endpoint")
	if !ok || raw == "" {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "endpoint is required")
		return
	}

	subscription, err := h.subs.GetSubscription(c.Request.Context(), raw)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, codeNotFound, "subscription not found")
		} else {
			log.Printf("Error loading subscription: %v", err)
			writeError(c, http.StatusServiceUnavailable, codeStorageUnavailable, "failed to load subscription")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": subscription.UserID})
}
