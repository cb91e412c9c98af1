package api

import "github.com/gin-gonic/gin"

// Error codes returned in the body of every failed /api request.
const (
	codeInvalidRequest     = "invalid_request"
	codeNotFound           = "not_found"
	codeStorageUnavailable = "storage_unavailable"
	codePushUnavailable    = "push_unavailable"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message})
}
