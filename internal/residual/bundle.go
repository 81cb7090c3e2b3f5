// Package residual applies pretrained quantile-regression residual models
// on top of the physics trajectory. The overlay is a strict no-op unless
// the bundle's backtested readiness criteria hold and every required
// feature is present.
package residual

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
)

// Quantiles the bundle must provide per horizon.
var requiredQuantiles = []float64{0.1, 0.5, 0.9}

// Metadata is the bundle's metadata.json: the horizons and feature set the
// offline training job produced, plus the readiness thresholds it was
// evaluated against.
type Metadata struct {
	Horizons []int    `json:"horizons"`
	Features []string `json:"features"`
	// MAEMargin and RMSEMargin are the fractional margins by which the
	// model must beat the physics baseline, e.g. 0.05 for 5%.
	MAEMargin  float64 `json:"maeMargin"`
	RMSEMargin float64 `json:"rmseMargin"`
	// BiasThreshold is the largest tolerated absolute mean error, mg/dL.
	BiasThreshold float64 `json:"biasThreshold"`
	TrainedAt     string  `json:"trainedAt"`
	Version       string  `json:"version"`
}

// HorizonMetrics compares model and baseline backtest error for one
// forecast horizon.
type HorizonMetrics struct {
	ModelMAE     float64 `json:"modelMae"`
	ModelRMSE    float64 `json:"modelRmse"`
	BaselineMAE  float64 `json:"baselineMae"`
	BaselineRMSE float64 `json:"baselineRmse"`
	Bias         float64 `json:"bias"`
}

// metricsFile is the bundle's metrics.json.
type metricsFile struct {
	Horizons map[string]HorizonMetrics `json:"horizons"`
}

// Model is one linear quantile model. Weights align with Features by
// index.
type Model struct {
	Features  []string  `json:"features"`
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
}

// Predict evaluates the model on a feature map. The second return is
// false when any model feature is absent.
func (m *Model) Predict(features map[string]float64) (float64, bool) {
	out := m.Intercept
	for i, name := range m.Features {
		v, ok := features[name]
		if !ok {
			return 0, false
		}
		out += m.Weights[i] * v
	}
	return out, true
}

// Bundle is one immutable loaded model set. It is shared read-only across
// callers; reloads build a new Bundle and swap the holder's pointer.
type Bundle struct {
	Metadata Metadata
	Metrics  map[int]HorizonMetrics
	// models is keyed by horizon then quantile.
	models map[int]map[float64]*Model

	ready      bool
	confidence float64
}

// Ready reports whether the backtest criteria held for every horizon.
func (b *Bundle) Ready() bool { return b != nil && b.ready }

// Confidence is the readiness score in [0,1], derived from the mean
// relative MAE improvement over the baseline.
func (b *Bundle) Confidence() float64 {
	if b == nil {
		return 0
	}
	return b.confidence
}

// ModelFor returns the model for a horizon/quantile pair.
func (b *Bundle) ModelFor(horizonMin int, quantile float64) (*Model, bool) {
	byQ, ok := b.models[horizonMin]
	if !ok {
		return nil, false
	}
	m, ok := byQ[quantile]
	return m, ok
}

// Horizons returns the bundle's horizons in ascending order.
func (b *Bundle) Horizons() []int {
	out := append([]int(nil), b.Metadata.Horizons...)
	sort.Ints(out)
	return out
}

// modelFileName follows the training job's layout, e.g.
// model_60m_q50.json for the 60-minute median model.
func modelFileName(horizonMin int, quantile float64) string {
	return fmt.Sprintf("model_%dm_q%d.json", horizonMin, int(math.Round(quantile*100)))
}

// LoadBundle reads a trained bundle directory. A bundle with incomplete
// files is an error; a bundle whose metrics fail the readiness criteria
// loads fine but reports Ready()=false.
func LoadBundle(dir string) (*Bundle, error) {
	var meta Metadata
	if err := readJSON(filepath.Join(dir, "metadata.json"), &meta); err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	if len(meta.Horizons) == 0 {
		return nil, fmt.Errorf("bundle %s: no horizons in metadata", dir)
	}

	var metrics metricsFile
	if err := readJSON(filepath.Join(dir, "metrics.json"), &metrics); err != nil {
		return nil, fmt.Errorf("load metrics: %w", err)
	}

	b := &Bundle{
		Metadata: meta,
		Metrics:  make(map[int]HorizonMetrics, len(meta.Horizons)),
		models:   make(map[int]map[float64]*Model, len(meta.Horizons)),
	}

	for _, h := range meta.Horizons {
		m, ok := metrics.Horizons[fmt.Sprintf("%d", h)]
		if !ok {
			return nil, fmt.Errorf("bundle %s: no metrics for horizon %d", dir, h)
		}
		b.Metrics[h] = m

		b.models[h] = make(map[float64]*Model, len(requiredQuantiles))
		for _, q := range requiredQuantiles {
			var model Model
			if err := readJSON(filepath.Join(dir, modelFileName(h, q)), &model); err != nil {
				return nil, fmt.Errorf("load model h=%d q=%.1f: %w", h, q, err)
			}
			if len(model.Features) != len(model.Weights) {
				return nil, fmt.Errorf("model h=%d q=%.1f: %d features vs %d weights",
					h, q, len(model.Features), len(model.Weights))
			}
			b.models[h][q] = &model
		}
	}

	b.ready, b.confidence = evaluateReadiness(meta, b.Metrics)
	return b, nil
}

// evaluateReadiness applies the backtest criteria: for every horizon the
// model must beat the baseline MAE and RMSE by the configured margins and
// keep bias within threshold. Confidence scales with the mean relative
// MAE improvement, saturating at a 50% improvement.
func evaluateReadiness(meta Metadata, metrics map[int]HorizonMetrics) (bool, float64) {
	var improvementSum float64
	for _, h := range meta.Horizons {
		m := metrics[h]
		if m.BaselineMAE <= 0 || m.BaselineRMSE <= 0 {
			return false, 0
		}
		if m.ModelMAE > m.BaselineMAE*(1-meta.MAEMargin) {
			return false, 0
		}
		if m.ModelRMSE > m.BaselineRMSE*(1-meta.RMSEMargin) {
			return false, 0
		}
		if math.Abs(m.Bias) > meta.BiasThreshold {
			return false, 0
		}
		improvementSum += (m.BaselineMAE - m.ModelMAE) / m.BaselineMAE
	}

	mean := improvementSum / float64(len(meta.Horizons))
	confidence := mean / 0.5
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return true, confidence
}

func readJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

// Holder shares one bundle across concurrent callers. Reload builds the
// replacement fully before a single pointer swap, so in-flight inferences
// never observe a partially-loaded bundle.
type Holder struct {
	current atomic.Pointer[Bundle]
	logger  *zap.Logger
}

// NewHolder creates an empty holder.
func NewHolder(logger *zap.Logger) *Holder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Holder{logger: logger}
}

// Load loads the bundle directory and installs it.
func (h *Holder) Load(dir string) error {
	b, err := LoadBundle(dir)
	if err != nil {
		return err
	}
	h.current.Store(b)
	h.logger.Info("residual bundle installed",
		zap.String("dir", dir),
		zap.Bool("ready", b.Ready()),
		zap.Float64("confidence", b.Confidence()))
	return nil
}

// Current returns the installed bundle, or nil before the first Load.
func (h *Holder) Current() *Bundle {
	return h.current.Load()
}
