// Package config handles configuration loading: YAML config files with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/mrcode/glucoforecast/internal/models"
)

// Config is the complete application configuration.
type Config struct {
	Nightscout NightscoutConfig `mapstructure:"nightscout" yaml:"nightscout"`
	Store      StoreConfig      `mapstructure:"store"      yaml:"store"`
	Forecast   ForecastConfig   `mapstructure:"forecast"   yaml:"forecast"`
	Params     ParamsConfig     `mapstructure:"params"     yaml:"params"`
	NightBias  NightBiasConfig  `mapstructure:"night_bias" yaml:"night_bias"`
	Residual   ResidualConfig   `mapstructure:"residual"   yaml:"residual"`
	Alerts     AlertsConfig     `mapstructure:"alerts"     yaml:"alerts"`
	Logging    LoggingConfig    `mapstructure:"logging"    yaml:"logging"`
}

// NightscoutConfig holds the live provider connection settings.
type NightscoutConfig struct {
	URL       string `mapstructure:"url"        yaml:"url"`
	APISecret string `mapstructure:"api_secret" yaml:"api_secret"`
	APIToken  string `mapstructure:"api_token"  yaml:"api_token"`
	UseToken  bool   `mapstructure:"use_token"  yaml:"use_token"`
}

// StoreConfig holds the durable store settings.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ForecastConfig holds grid and threshold settings.
type ForecastConfig struct {
	StepMin         float64 `mapstructure:"step_min"          yaml:"step_min"          validate:"gt=0,lte=30"`
	HorizonMin      float64 `mapstructure:"horizon_min"       yaml:"horizon_min"       validate:"gte=30,lte=720"`
	HighThresholdBG float64 `mapstructure:"high_threshold_bg" yaml:"high_threshold_bg" validate:"gt=0"`
	LowThresholdBG  float64 `mapstructure:"low_threshold_bg"  yaml:"low_threshold_bg"  validate:"gt=0"`
	Timezone        string  `mapstructure:"timezone"          yaml:"timezone"`
	User            string  `mapstructure:"user"              yaml:"user"`
}

// ParamsConfig mirrors the physiological simulation parameters.
type ParamsConfig struct {
	ISF               float64 `mapstructure:"isf"                yaml:"isf"`
	ICR               float64 `mapstructure:"icr"                yaml:"icr"`
	DIAMinutes        float64 `mapstructure:"dia_minutes"        yaml:"dia_minutes"`
	CarbAbsorptionMin float64 `mapstructure:"carb_absorption_min" yaml:"carb_absorption_min"`
	InsulinPeakMin    float64 `mapstructure:"insulin_peak_min"   yaml:"insulin_peak_min"`
	InsulinCurve      string  `mapstructure:"insulin_curve"      yaml:"insulin_curve"`
	CarbShape         string  `mapstructure:"carb_shape"         yaml:"carb_shape"`
	DailyBasalUnits   float64 `mapstructure:"daily_basal_units"  yaml:"daily_basal_units"`
	TargetBG          float64 `mapstructure:"target_bg"          yaml:"target_bg"`
}

// NightBiasConfig holds the overnight correction settings.
type NightBiasConfig struct {
	Enabled          bool    `mapstructure:"enabled"            yaml:"enabled"`
	CapMgdl          float64 `mapstructure:"cap_mgdl"           yaml:"cap_mgdl"`
	IOBCeilingUnits  float64 `mapstructure:"iob_ceiling_units"  yaml:"iob_ceiling_units"`
	COBNearZeroGrams float64 `mapstructure:"cob_near_zero_grams" yaml:"cob_near_zero_grams"`
}

// ResidualConfig points at the trained model bundle.
type ResidualConfig struct {
	BundleDir string `mapstructure:"bundle_dir" yaml:"bundle_dir"`
}

// AlertsConfig holds the alert thresholds.
type AlertsConfig struct {
	UrgentLowBG    float64 `mapstructure:"urgent_low_bg"    yaml:"urgent_low_bg"`
	LowBG          float64 `mapstructure:"low_bg"           yaml:"low_bg"`
	HighBG         float64 `mapstructure:"high_bg"          yaml:"high_bg"`
	UrgentHighBG   float64 `mapstructure:"urgent_high_bg"   yaml:"urgent_high_bg"`
	RepeatAfterMin float64 `mapstructure:"repeat_after_min" yaml:"repeat_after_min"`
	UseMmol        bool    `mapstructure:"use_mmol"         yaml:"use_mmol"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

var validate = validator.New()

// Load reads configuration from file and environment. Search order:
//  1. ./config/config.yaml
//  2. ~/.glucoforecast/config.yaml
//  3. /etc/glucoforecast/config.yaml
//
// Environment variables override file values, e.g.
// GLUCOFORECAST_NIGHTSCOUT_URL.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".glucoforecast"))
	v.AddConfigPath("/etc/glucoforecast")

	v.SetEnvPrefix("GLUCOFORECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("GLUCOFORECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.SimulationParams().Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SimulationParams converts the configured physiology section into the
// engine's parameter struct.
func (c *Config) SimulationParams() models.SimulationParams {
	p := models.DefaultSimulationParams()
	if c.Params.ISF > 0 {
		p.InsulinSensitivityFactor = c.Params.ISF
	}
	if c.Params.ICR > 0 {
		p.InsulinToCarbRatio = c.Params.ICR
	}
	if c.Params.DIAMinutes > 0 {
		p.InsulinActionDurationMin = c.Params.DIAMinutes
	}
	if c.Params.CarbAbsorptionMin > 0 {
		p.CarbAbsorptionMinutes = c.Params.CarbAbsorptionMin
	}
	if c.Params.InsulinPeakMin > 0 {
		p.InsulinPeakMin = c.Params.InsulinPeakMin
	}
	if c.Params.InsulinCurve != "" {
		p.InsulinCurveKind = models.CurveKind(c.Params.InsulinCurve)
	}
	if c.Params.CarbShape != "" {
		p.CarbShape = models.CarbShape(c.Params.CarbShape)
	}
	if c.Params.DailyBasalUnits > 0 {
		p.DailyBasalUnits = c.Params.DailyBasalUnits
	}
	if c.Params.TargetBG > 0 {
		p.TargetBG = c.Params.TargetBG
	}
	return p
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", filepath.Join(homeDir(), ".glucoforecast", "history.db"))

	v.SetDefault("forecast.step_min", 5)
	v.SetDefault("forecast.horizon_min", 360)
	v.SetDefault("forecast.high_threshold_bg", 180)
	v.SetDefault("forecast.low_threshold_bg", 70)
	v.SetDefault("forecast.user", "default")

	v.SetDefault("params.isf", 50)
	v.SetDefault("params.icr", 10)
	v.SetDefault("params.dia_minutes", 300)
	v.SetDefault("params.carb_absorption_min", 180)
	v.SetDefault("params.insulin_peak_min", 75)
	v.SetDefault("params.insulin_curve", "exponential")
	v.SetDefault("params.target_bg", 110)

	v.SetDefault("night_bias.enabled", true)
	v.SetDefault("night_bias.cap_mgdl", 15)
	v.SetDefault("night_bias.iob_ceiling_units", 1.0)
	v.SetDefault("night_bias.cob_near_zero_grams", 5)

	v.SetDefault("alerts.urgent_low_bg", 55)
	v.SetDefault("alerts.low_bg", 70)
	v.SetDefault("alerts.high_bg", 180)
	v.SetDefault("alerts.urgent_high_bg", 250)
	v.SetDefault("alerts.repeat_after_min", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// APISecretFromEnv reads the Nightscout secret from the environment,
// preferring it over any file-stored value.
func (c *Config) APISecretFromEnv() string {
	if s := os.Getenv("GLUCOFORECAST_NIGHTSCOUT_API_SECRET"); s != "" {
		return s
	}
	return c.Nightscout.APISecret
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
