package response

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// APIResponse is the management API success envelope.
type APIResponse struct {
	Data    any    `json:"data"`
	Count   *int   `json:"count,omitempty"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path"`
}

// APIError is the management API error envelope.
type APIError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Path    string `json:"path"`
	Status  int    `json:"status"`
}

// Ingress is the body returned to webhook senders. Senders only ever see
// this flat shape, never the envelope.
type Ingress struct {
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

func pathFromContext(c echo.Context) string {
	if c == nil || c.Request() == nil {
		return ""
	}
	return c.Request().URL.Path
}

// OK sends a 200 response with data.
func OK(c echo.Context, data any, message string) error {
	return c.JSON(http.StatusOK, APIResponse{
		Data:    data,
		Status:  http.StatusOK,
		Message: message,
		Path:    pathFromContext(c),
	})
}

// List sends a 200 response carrying a slice and its length.
func List[T any](c echo.Context, items []T) error {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	return c.JSON(http.StatusOK, APIResponse{
		Data:   items,
		Count:  &n,
		Status: http.StatusOK,
		Path:   pathFromContext(c),
	})
}

// Created sends a 201 response with data.
func Created(c echo.Context, data any, message string) error {
	return c.JSON(http.StatusCreated, APIResponse{
		Data:    data,
		Status:  http.StatusCreated,
		Message: message,
		Path:    pathFromContext(c),
	})
}

// Error sends a JSON error response using APIError.
func Error(c echo.Context, status int, message, errDetail string) error {
	return c.JSON(status, APIError{
		Message: message,
		Error:   errDetail,
		Path:    pathFromContext(c),
		Status:  status,
	})
}

func BadRequest(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusBadRequest, message, errDetail)
}

func NotFound(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusNotFound, message, errDetail)
}

func InternalError(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusInternalServerError, message, errDetail)
}

// Buffered acknowledges an accepted webhook with 201.
func Buffered(c echo.Context, messageID uuid.UUID) error {
	return c.JSON(http.StatusCreated, Ingress{Status: "buffered", MessageID: messageID.String()})
}

// Rejected answers a webhook sender with an error. messageID is omitted when
// it is uuid.Nil, which is the case unless the message was stored.
func Rejected(c echo.Context, status int, message string, messageID uuid.UUID) error {
	out := Ingress{Error: message}
	if messageID != uuid.Nil {
		out.MessageID = messageID.String()
	}
	return c.JSON(status, out)
}
