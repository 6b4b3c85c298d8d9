// Package channels holds the contracts shared by the channel adapters:
// the delivery outcome consumed by the response router, the outbound
// rate limiter, and the error taxonomy.
package channels

// DeliveryResult records the outcome of one delivery attempt.
type DeliveryResult struct {
	Success  bool           `json:"success"`
	Channel  string         `json:"channel"`
	UserID   string         `json:"user_id"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
