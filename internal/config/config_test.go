package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/glucoforecast/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile_Defaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, "nightscout:\n  url: https://cgm.example.com\n"))
	require.NoError(t, err)

	assert.Equal(t, "https://cgm.example.com", cfg.Nightscout.URL)
	assert.Equal(t, 5.0, cfg.Forecast.StepMin)
	assert.Equal(t, 360.0, cfg.Forecast.HorizonMin)
	assert.Equal(t, 50.0, cfg.Params.ISF)
	assert.True(t, cfg.NightBias.Enabled)
}

func TestLoadFromFile_Overrides(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, `
params:
  isf: 42
  insulin_curve: bilinear
  dia_minutes: 240
forecast:
  horizon_min: 180
`))
	require.NoError(t, err)

	p := cfg.SimulationParams()
	assert.Equal(t, 42.0, p.InsulinSensitivityFactor)
	assert.Equal(t, models.CurveBilinear, p.InsulinCurveKind)
	assert.Equal(t, 240.0, p.InsulinActionDurationMin)
	assert.Equal(t, 180.0, cfg.Forecast.HorizonMin)
}

func TestLoadFromFile_RejectsInvalidParams(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, "params:\n  dia_minutes: 30\n"))
	assert.Error(t, err, "DIA below the physiological floor fails validation")
}

func TestLoadFromFile_EnvOverride(t *testing.T) {
	t.Setenv("GLUCOFORECAST_NIGHTSCOUT_API_SECRET", "from-env")
	cfg, err := LoadFromFile(writeConfig(t, "nightscout:\n  api_secret: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APISecretFromEnv())
}
