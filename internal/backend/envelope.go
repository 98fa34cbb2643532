package backend

import "time"

// Envelope wraps every REST response body.
type Envelope[T any] struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Data      T         `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Code is the machine-readable error code of a failed call.
	Code string `json:"code,omitempty"`
}

// Headers shared by client and server.
const (
	HeaderOperationID = "X-Operation-ID"
	HeaderRequestID   = "X-Request-ID"
)
