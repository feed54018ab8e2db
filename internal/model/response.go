package model

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope is the JSON body shape shared by every endpoint except GET /user.
type Envelope struct {
	Status     string              `json:"status"`
	Message    string              `json:"message,omitempty"`
	Data       any                 `json:"data,omitempty"`
	Errors     map[string][]string `json:"errors,omitempty"`
	RetryAfter *int64              `json:"retry_after,omitempty"`
}
