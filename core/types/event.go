package types

// Event represents a typed event emitted by the escrow engine during a state
// transition. Attributes are flat string pairs so downstream consumers can
// index them without schema knowledge.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
