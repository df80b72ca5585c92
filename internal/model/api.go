package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeExhausted     = "EXHAUSTED"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// RegisterResponse is the response for POST /v1/episodes/register.
type RegisterResponse struct {
	UID int64 `json:"uid"`
}

// AddEpisodesRequest is the request body for POST /v1/episodes.
type AddEpisodesRequest struct {
	Episodes []Episode `json:"episodes"`
	Update   bool      `json:"update,omitempty"`
}

// AddEpisodesResponse is the response for POST /v1/episodes. Conflicts lists
// uids that were already stored and left untouched because Update was false.
type AddEpisodesResponse struct {
	Added     int     `json:"added"`
	Updated   int     `json:"updated"`
	Conflicts []int64 `json:"conflicts,omitempty"`
}

// UpdateTreeResponse is the response for POST /v1/episodes/{uid}/update-tree.
type UpdateTreeResponse struct {
	Episode Episode `json:"episode"`
	Visited int     `json:"visited"`
}

// StatusResponse is the response for GET /v1/status.
type StatusResponse struct {
	Entries  int64 `json:"entries"`
	Reserved int64 `json:"reserved"`
	Capacity int64 `json:"capacity"`
}

// DropResponse is the response for DELETE /v1/episodes.
type DropResponse struct {
	Deleted int64 `json:"deleted"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Storage  string `json:"storage"`
	Uptime   int64  `json:"uptime_seconds"`
	Postgres string `json:"postgres,omitempty"`
	Redis    string `json:"redis,omitempty"`
}
