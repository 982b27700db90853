package types

// Event is a structured record of a state change, published to subscribers
// after the owning operation commits.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
