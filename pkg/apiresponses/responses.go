/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiresponses

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error codes carried in APIError.Code.
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeIPNotAllowed       = "IP_NOT_ALLOWED"
	CodeBotDetected        = "BOT_DETECTED"
	CodeInvalidAPIKey      = "INVALID_API_KEY"
	CodeMissingAPIKey      = "MISSING_API_KEY"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeInvalidCSRF        = "INVALID_CSRF_TOKEN"
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// APIError is the body of every error response.
type APIError struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

// Payload wraps APIError as {"error": {...}}.
type Payload struct {
	Error APIError `json:"error"`
}

// NewPayload builds an error payload stamped with now in RFC 3339 (UTC, ms).
func NewPayload(message, code, requestID string, now time.Time) Payload {
	return Payload{Error: APIError{
		Message:   message,
		Code:      code,
		Timestamp: now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		RequestID: requestID,
	}}
}

// RespondError writes status with an error payload. The request id is taken
// from the X-Request-ID response header when one has already been set.
func RespondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, NewPayload(message, code, c.Writer.Header().Get("X-Request-ID"), time.Now()))
}

// RespondNotFound sends a 404 Not Found response with a standardized message.
func RespondNotFound(c *gin.Context, resourceType, resourceName string) {
	RespondError(c, http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s not found: %s", resourceType, resourceName))
}

// RespondForbidden sends a 403 Forbidden response with an optional reason.
func RespondForbidden(c *gin.Context, reason string) {
	if reason == "" {
		reason = "access denied"
	}
	RespondError(c, http.StatusForbidden, CodeForbidden, reason)
}

// RespondBadRequest sends a 400 Bad Request response.
// Use this for client errors like malformed parameters.
func RespondBadRequest(c *gin.Context, message string) {
	RespondError(c, http.StatusBadRequest, CodeBadRequest, message)
}

// RespondInternalError sends a 500 Internal Server Error response.
// It logs the error with full details but returns a sanitized message to the client.
func RespondInternalError(c *gin.Context, operation string, err error, log *zap.SugaredLogger) {
	if log != nil {
		log.Errorw(fmt.Sprintf("Failed to %s", operation), "error", err)
	}
	RespondError(c, http.StatusInternalServerError, CodeInternal, fmt.Sprintf("failed to %s", operation))
}

// RespondServiceUnavailable sends a 503 Service Unavailable response.
func RespondServiceUnavailable(c *gin.Context, service string) {
	RespondError(c, http.StatusServiceUnavailable, CodeServiceUnavailable, fmt.Sprintf("service unavailable: %s", service))
}

// RespondOK sends a 200 OK response with the given data.
func RespondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// RespondNoContent sends a 204 No Content response.
func RespondNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
