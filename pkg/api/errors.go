package api

import (
	"net/http"

	"github.com/cuemby/corral/pkg/document"
	"github.com/cuemby/corral/pkg/types"
)

// Error is the body of every failed API response
type Error struct {
	Code     int                `json:"code"`
	Message  string             `json:"message"`
	Problems []document.Problem `json:"problems,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap maps the status code back to the sentinel it was produced from,
// so clients can match with errors.Is
func (e *Error) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest:
		return types.ErrInvalidConfig
	case http.StatusNotFound:
		return types.ErrVersionNotFound
	case http.StatusServiceUnavailable:
		return types.ErrShuttingDown
	}
	return nil
}
