package models

import "time"

// DataState classifies the quality of a reconciled estimate. States only
// degrade in the order ok -> partial -> stale -> unavailable; unknown is
// the zero value before any source has been consulted.
type DataState string

const (
	StateOK          DataState = "ok"
	StatePartial     DataState = "partial"
	StateStale       DataState = "stale"
	StateUnavailable DataState = "unavailable"
	StateUnknown     DataState = "unknown"
)

// rank orders states from best to worst for degradation comparisons.
func (s DataState) rank() int {
	switch s {
	case StateOK:
		return 0
	case StatePartial:
		return 1
	case StateStale:
		return 2
	case StateUnavailable:
		return 3
	}
	return 4
}

// WorseThan reports whether s is a lower-quality state than other.
func (s DataState) WorseThan(other DataState) bool {
	return s.rank() > other.rank()
}

// SourceOrigin names where a record set came from.
type SourceOrigin string

const (
	OriginStore    SourceOrigin = "store"
	OriginProvider SourceOrigin = "provider"
	OriginRequest  SourceOrigin = "request"
	OriginCache    SourceOrigin = "cache"
	OriginNone     SourceOrigin = "none"
)

// SourceStatus describes the outcome of consulting a single record source.
type SourceStatus struct {
	Origin    SourceOrigin `json:"origin"`
	State     DataState    `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	FetchedAt time.Time    `json:"fetchedAt"`
}

// COBModel tags which absorption model produced a COB estimate.
type COBModel string

const (
	COBModelLinear        COBModel = "linear"
	COBModelBiexponential COBModel = "biexponential"
)

// IOBEstimate is the reconciled insulin-on-board result. Value is nil when
// no usable figure could be computed; LastKnown carries the most recent
// cached figure for stale reporting.
type IOBEstimate struct {
	Value       *float64     `json:"value"`
	Status      DataState    `json:"status"`
	Origin      SourceOrigin `json:"origin"`
	LastKnown   *float64     `json:"lastKnown,omitempty"`
	LastKnownAt time.Time    `json:"lastKnownAt,omitempty"`
	Assumptions []string     `json:"assumptions,omitempty"`
}

// COBEstimate is the reconciled carbs-on-board result.
type COBEstimate struct {
	Value       *float64     `json:"value"`
	Status      DataState    `json:"status"`
	Origin      SourceOrigin `json:"origin"`
	Model       COBModel     `json:"model"`
	LastKnown   *float64     `json:"lastKnown,omitempty"`
	LastKnownAt time.Time    `json:"lastKnownAt,omitempty"`
	Assumptions []string     `json:"assumptions,omitempty"`
}

// ValueOrZero returns the estimate value, substituting zero when absent.
func (e IOBEstimate) ValueOrZero() float64 {
	if e.Value == nil {
		return 0
	}
	return *e.Value
}

// ValueOrZero returns the estimate value, substituting zero when absent.
func (e COBEstimate) ValueOrZero() float64 {
	if e.Value == nil {
		return 0
	}
	return *e.Value
}

// Degraded reports whether the estimate requires caller acknowledgement
// before a treat-as-zero fallback may be used.
func (e IOBEstimate) Degraded() bool {
	return e.Status == StateUnavailable || e.Status == StateStale
}
