package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/AIStudioProxyAPI/internal/bridgeerr"
)

// openAIErrorBody renders err in the OpenAI error shape.
func openAIErrorBody(err error) gin.H {
	code := bridgeerr.CodeOf(err)
	errType := "api_error"
	switch code {
	case bridgeerr.CodeBadRequest:
		errType = "invalid_request_error"
	case bridgeerr.CodeAuthRejected:
		errType = "authentication_error"
	}
	return gin.H{
		"error": gin.H{
			"message": err.Error(),
			"type":    errType,
			"code":    code,
		},
	}
}

// geminiErrorBody renders err in the Gemini error shape.
func geminiErrorBody(status int, err error) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    status,
			"message": err.Error(),
			"status":  http.StatusText(status),
		},
	}
}

// clientStatusOf picks the HTTP status surfaced for a dispatch failure.
func clientStatusOf(err error) int {
	var be *bridgeerr.Error
	if errors.As(err, &be) {
		switch be.Code {
		case bridgeerr.CodeBrowserRestarting, bridgeerr.CodeBrowserUnavailable,
			bridgeerr.CodeNoIdentity, bridgeerr.CodeBrowserClosed:
			return http.StatusServiceUnavailable
		}
		if be.HTTPStatus > 0 {
			return be.HTTPStatus
		}
	}
	return http.StatusBadGateway
}
