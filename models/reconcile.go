package models

import "time"

// ProductType labels which catalog a discrepancy was observed in.
type ProductType string

const (
	SupplierOnly ProductType = "supplier_only"
	TargetOnly   ProductType = "target_only"
)

// DiscrepancyStatus is the liveness status recorded for a discrepancy URL.
type DiscrepancyStatus string

const (
	StatusPending  DiscrepancyStatus = "pending"
	StatusActive   DiscrepancyStatus = "active"
	StatusRedirect DiscrepancyStatus = "redirect"
	StatusNotFound DiscrepancyStatus = "404"
)

// ReconcileResult is one discrepancy emitted by a reconciliation run.
type ReconcileResult struct {
	ID           int64             `db:"id" json:"id"`
	RunID        string            `db:"run_id" json:"run_id"`
	ProductType  ProductType       `db:"product_type" json:"product_type"`
	CanonicalURL string            `db:"canonical_url" json:"canonical_url"`
	Status       DiscrepancyStatus `db:"status" json:"status"`
	DetectedAt   time.Time         `db:"detected_at" json:"detected_at"`
	ResolvedAt   *time.Time        `db:"resolved_at" json:"resolved_at,omitempty"`
}

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreakerState is a point-in-time snapshot of one named breaker.
type CircuitBreakerState struct {
	Name            string       `json:"name"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime *time.Time   `json:"last_failure_time,omitempty"`
}
