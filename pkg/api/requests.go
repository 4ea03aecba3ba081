package api

import "time"

// ClaimRequest asks for a lease on a card. LeaseDuration travels as float
// seconds on the wire.
type ClaimRequest struct {
	NodeID        string  `json:"node_id" validate:"required"`
	LeaseDuration float64 `json:"lease_duration" validate:"required,gt=0"`
}

// RenewRequest extends a held lease.
type RenewRequest struct {
	NodeID        string  `json:"node_id" validate:"required"`
	LeaseDuration float64 `json:"lease_duration" validate:"required,gt=0"`
}

// FinishRequest commits a terminal outcome. Result is opaque JSON and may be
// absent.
type FinishRequest struct {
	NodeID string `json:"node_id" validate:"required"`
	Result any    `json:"result"`
}

// ResetRequest replaces the card set with fresh OPEN cards.
type ResetRequest struct {
	Cards []SeedCard `json:"cards" validate:"required,dive"`
}

// SeedCard is one fresh card in a reset.
type SeedCard struct {
	ID              string `json:"id" validate:"required"`
	Payload         any    `json:"payload"`
	HedgedExecution bool   `json:"hedged_execution"`
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
