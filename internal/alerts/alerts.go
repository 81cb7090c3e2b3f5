// Package alerts turns forecast results into threshold alerts with
// per-type cooldowns so a persistent condition does not spam the sink.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/glucoforecast/internal/models"
)

// Alert type constants.
const (
	AlertUrgentLow     = "urgent_low"
	AlertLow           = "low"
	AlertUrgentHigh    = "urgent_high"
	AlertHigh          = "high"
	AlertPredictedLow  = "predicted_low"
	AlertPredictedHigh = "predicted_high"
)

// Alert is one triggered condition.
type Alert struct {
	Type    string
	Title   string
	Message string
}

// Sink receives triggered alerts. Implementations deliver them however
// the host application wants (log, push, webhook).
type Sink interface {
	Deliver(alert Alert) error
}

// Config holds the alert thresholds in mg/dL and the repeat behavior.
type Config struct {
	UrgentLowBG  float64 `json:"urgentLowBG"`
	LowBG        float64 `json:"lowBG"`
	HighBG       float64 `json:"highBG"`
	UrgentHighBG float64 `json:"urgentHighBG"`
	// PredictedLowWithinMin alerts when the forecast crosses the low
	// threshold within this many minutes. Zero disables prediction
	// alerts.
	PredictedLowWithinMin  float64 `json:"predictedLowWithinMin"`
	PredictedHighWithinMin float64 `json:"predictedHighWithinMin"`
	// RepeatAfterMin re-raises a still-active alert after this long.
	// Zero means alert once until the condition clears.
	RepeatAfterMin float64 `json:"repeatAfterMin"`
	UseMmol        bool    `json:"useMmol"`
}

// DefaultConfig matches common CGM alert defaults.
func DefaultConfig() Config {
	return Config{
		UrgentLowBG:            55,
		LowBG:                  70,
		HighBG:                 180,
		UrgentHighBG:           250,
		PredictedLowWithinMin:  30,
		PredictedHighWithinMin: 0,
		RepeatAfterMin:         30,
	}
}

// Manager evaluates forecast results against the thresholds. Safe for
// concurrent use.
type Manager struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewManager creates an alert manager delivering to the given sink.
func NewManager(cfg Config, sink Sink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		lastSent: make(map[string]time.Time),
	}
}

// Check evaluates the forecast and delivers any due alerts. It returns
// the alerts that were actually delivered.
func (m *Manager) Check(now time.Time, result *models.ForecastResult) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var delivered []Alert
	active := map[string]bool{}
	for _, a := range m.evaluate(result) {
		active[a.Type] = true
		if !m.due(now, a.Type) {
			continue
		}
		if err := m.sink.Deliver(a); err != nil {
			return delivered, fmt.Errorf("deliver %s: %w", a.Type, err)
		}
		m.lastSent[a.Type] = now
		m.logger.Info("alert delivered", zap.String("type", a.Type))
		delivered = append(delivered, a)
	}

	// Cleared conditions re-arm immediately.
	for typ := range m.lastSent {
		if !active[typ] {
			delete(m.lastSent, typ)
		}
	}
	return delivered, nil
}

// due applies the cooldown: a repeated condition alerts again only after
// RepeatAfterMin, or never re-alerts when repeat is disabled.
func (m *Manager) due(now time.Time, alertType string) bool {
	last, ok := m.lastSent[alertType]
	if !ok {
		return true
	}
	if m.cfg.RepeatAfterMin <= 0 {
		return false
	}
	return now.Sub(last) >= time.Duration(m.cfg.RepeatAfterMin*float64(time.Minute))
}

func (m *Manager) evaluate(result *models.ForecastResult) []Alert {
	var out []Alert

	bg := result.StartBG
	switch {
	case bg <= m.cfg.UrgentLowBG:
		out = append(out, Alert{
			Type:    AlertUrgentLow,
			Title:   "URGENT LOW GLUCOSE",
			Message: "Glucose is critically low: " + m.formatBG(bg),
		})
	case bg <= m.cfg.LowBG:
		out = append(out, Alert{
			Type:    AlertLow,
			Title:   "Low Glucose",
			Message: "Glucose is low: " + m.formatBG(bg),
		})
	case bg >= m.cfg.UrgentHighBG:
		out = append(out, Alert{
			Type:    AlertUrgentHigh,
			Title:   "URGENT HIGH GLUCOSE",
			Message: "Glucose is critically high: " + m.formatBG(bg),
		})
	case bg >= m.cfg.HighBG:
		out = append(out, Alert{
			Type:    AlertHigh,
			Title:   "High Glucose",
			Message: "Glucose is high: " + m.formatBG(bg),
		})
	}

	low := result.Summary.LowInMinutes
	if m.cfg.PredictedLowWithinMin > 0 && low >= 0 && low <= m.cfg.PredictedLowWithinMin {
		out = append(out, Alert{
			Type:    AlertPredictedLow,
			Title:   "Low Glucose Predicted",
			Message: fmt.Sprintf("Forecast crosses low in %.0f minutes (min %s)", low, m.formatBG(result.Summary.MinBG)),
		})
	}
	high := result.Summary.HighInMinutes
	if m.cfg.PredictedHighWithinMin > 0 && high >= 0 && high <= m.cfg.PredictedHighWithinMin {
		out = append(out, Alert{
			Type:    AlertPredictedHigh,
			Title:   "High Glucose Predicted",
			Message: fmt.Sprintf("Forecast crosses high in %.0f minutes", high),
		})
	}
	return out
}

func (m *Manager) formatBG(mgdl float64) string {
	if m.cfg.UseMmol {
		return fmt.Sprintf("%.1f mmol/L", models.ToMmol(mgdl))
	}
	return fmt.Sprintf("%.0f mg/dL", mgdl)
}

// ClearState re-arms a specific alert type, or all types when empty.
func (m *Manager) ClearState(alertType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alertType == "" {
		m.lastSent = make(map[string]time.Time)
		return
	}
	delete(m.lastSent, alertType)
}
