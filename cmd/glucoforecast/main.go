// Command glucoforecast is the blood glucose forecasting and on-board
// estimation CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mrcode/glucoforecast/internal/alerts"
	"github.com/mrcode/glucoforecast/internal/config"
	"github.com/mrcode/glucoforecast/internal/forecast"
	"github.com/mrcode/glucoforecast/internal/models"
	"github.com/mrcode/glucoforecast/internal/nightbias"
	"github.com/mrcode/glucoforecast/internal/nightscout"
	"github.com/mrcode/glucoforecast/internal/reconcile"
	"github.com/mrcode/glucoforecast/internal/residual"
	"github.com/mrcode/glucoforecast/internal/store"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "glucoforecast",
	Short: "Glucose trajectory forecasting and insulin/carb on-board estimation",
	Long: `glucoforecast simulates blood glucose trajectories from insulin doses,
carbohydrate intake, basal activity and recent CGM momentum, reconciling
treatment records across a local store and a Nightscout site.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err = buildLogger(cfg.Logging)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(onboardCmd)
	rootCmd.AddCommand(forecastCmd)
	rootCmd.AddCommand(nightProfileCmd)
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// openSources opens the configured store and provider. Either may be
// absent; the reconciler degrades status accordingly.
func openSources() (reconcile.Sources, func(), error) {
	var sources reconcile.Sources
	cleanup := func() {}

	if cfg.Store.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return sources, cleanup, fmt.Errorf("create store directory: %w", err)
		}
		st, err := store.New(cfg.Store.Path, logger)
		if err != nil {
			return sources, cleanup, fmt.Errorf("open store: %w", err)
		}
		sources.Store = st
		cleanup = func() { _ = st.Close() }
	}
	if cfg.Nightscout.URL != "" {
		sources.Provider = nightscout.NewClient(
			cfg.Nightscout.URL, cfg.APISecretFromEnv(), cfg.Nightscout.APIToken, cfg.Nightscout.UseToken)
	}
	return sources, cleanup, nil
}

func buildService(sources reconcile.Sources) (*forecast.Service, error) {
	opts := []forecast.Option{forecast.WithSources(sources)}

	if loc := loadLocation(); loc != nil {
		opts = append(opts, forecast.WithLocation(loc))
	}
	if st, ok := sources.Store.(*store.Store); ok && cfg.NightBias.Enabled {
		nbCfg := nightbias.DefaultConfig()
		if cfg.NightBias.CapMgdl > 0 {
			nbCfg.CapMgdl = cfg.NightBias.CapMgdl
		}
		if cfg.NightBias.IOBCeilingUnits > 0 {
			nbCfg.IOBCeilingUnits = cfg.NightBias.IOBCeilingUnits
		}
		if cfg.NightBias.COBNearZeroGrams > 0 {
			nbCfg.COBNearZeroGrams = cfg.NightBias.COBNearZeroGrams
		}
		opts = append(opts, forecast.WithNightBias(nightbias.NewProfiles(st, logger), nbCfg))
	}
	if cfg.Residual.BundleDir != "" {
		holder := residual.NewHolder(logger)
		if err := holder.Load(cfg.Residual.BundleDir); err != nil {
			return nil, fmt.Errorf("load residual bundle: %w", err)
		}
		opts = append(opts, forecast.WithResidualModels(holder))
	}
	return forecast.New(logger, opts...), nil
}

func loadLocation() *time.Location {
	if cfg.Forecast.Timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(cfg.Forecast.Timezone)
	if err != nil {
		logger.Warn("invalid timezone, using local", zap.String("tz", cfg.Forecast.Timezone))
		return nil
	}
	return loc
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("glucoforecast %s (%s)\n", version, commit)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the Nightscout connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Nightscout.URL == "" {
			return errors.New("no nightscout URL configured")
		}
		client := nightscout.NewClient(
			cfg.Nightscout.URL, cfg.APISecretFromEnv(), cfg.Nightscout.APIToken, cfg.Nightscout.UseToken)

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := client.TestConnection(ctx); err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}
		fmt.Println("connection ok")
		return nil
	},
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Estimate current insulin and carbs on board",
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, cleanup, err := openSources()
		if err != nil {
			return err
		}
		defer cleanup()

		ack, _ := cmd.Flags().GetBool("ack")
		svc, err := buildService(sources)
		if err != nil {
			return err
		}

		iob, cob, err := svc.EstimateOnBoard(cmd.Context(), time.Now(), cfg.SimulationParams(), reconcile.Options{
			RequireAcknowledgement: true,
			AcknowledgedDegraded:   ack,
			FallbackToZero:         ack,
			CacheKey:               "onboard:" + cfg.Forecast.User,
		})
		if errors.Is(err, reconcile.ErrAcknowledgementRequired) {
			fmt.Fprintln(os.Stderr, "on-board data is degraded; rerun with --ack to accept a zero fallback")
			return err
		}
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"iob": iob, "cob": cob})
	},
}

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Simulate a glucose trajectory",
	RunE: func(cmd *cobra.Command, args []string) error {
		bg, _ := cmd.Flags().GetFloat64("bg")
		bolus, _ := cmd.Flags().GetFloat64("bolus")
		carbs, _ := cmd.Flags().GetFloat64("carbs")
		trend, _ := cmd.Flags().GetString("trend")
		scenario, _ := cmd.Flags().GetBool("scenario")
		checkAlerts, _ := cmd.Flags().GetBool("alerts")

		sources, cleanup, err := openSources()
		if err != nil {
			return err
		}
		defer cleanup()

		svc, err := buildService(sources)
		if err != nil {
			return err
		}

		req := forecast.Request{
			Now:             time.Now(),
			StartBG:         bg,
			Params:          cfg.SimulationParams(),
			User:            cfg.Forecast.User,
			TrendDirection:  trend,
			StepMin:         cfg.Forecast.StepMin,
			HorizonMin:      cfg.Forecast.HorizonMin,
			HighThresholdBG: cfg.Forecast.HighThresholdBG,
			LowThresholdBG:  cfg.Forecast.LowThresholdBG,
			ScenarioOnly:    scenario,
		}
		if bolus > 0 {
			req.Doses = append(req.Doses, models.DoseEvent{TimeOffsetMin: 0, Units: bolus})
		}
		if carbs > 0 {
			req.Carbs = append(req.Carbs, models.CarbEvent{TimeOffsetMin: 0, Grams: carbs})
		}

		result, err := svc.SimulateForecast(cmd.Context(), req)
		if err != nil {
			return err
		}

		if checkAlerts {
			mgr := alerts.NewManager(alertConfig(), logSink{}, logger)
			if _, err := mgr.Check(req.Now, result); err != nil {
				logger.Warn("alert check failed", zap.Error(err))
			}
		}
		return printJSON(result)
	},
}

// logSink delivers alerts through the structured logger; a daemon would
// swap in a push integration here.
type logSink struct{}

func (logSink) Deliver(a alerts.Alert) error {
	logger.Warn(a.Title, zap.String("type", a.Type), zap.String("message", a.Message))
	return nil
}

func alertConfig() alerts.Config {
	ac := alerts.DefaultConfig()
	if cfg.Alerts.UrgentLowBG > 0 {
		ac.UrgentLowBG = cfg.Alerts.UrgentLowBG
	}
	if cfg.Alerts.LowBG > 0 {
		ac.LowBG = cfg.Alerts.LowBG
	}
	if cfg.Alerts.HighBG > 0 {
		ac.HighBG = cfg.Alerts.HighBG
	}
	if cfg.Alerts.UrgentHighBG > 0 {
		ac.UrgentHighBG = cfg.Alerts.UrgentHighBG
	}
	ac.RepeatAfterMin = cfg.Alerts.RepeatAfterMin
	ac.UseMmol = cfg.Alerts.UseMmol
	return ac
}

var nightProfileCmd = &cobra.Command{
	Use:   "nightprofile",
	Short: "Recompute and print the learned overnight bias profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, cleanup, err := openSources()
		if err != nil {
			return err
		}
		defer cleanup()

		st, ok := sources.Store.(*store.Store)
		if !ok {
			return errors.New("nightprofile requires a configured store")
		}

		nbCfg := nightbias.DefaultConfig()
		profiles := nightbias.NewProfiles(st, logger)
		profile := profiles.For(cmd.Context(), time.Now(), cfg.Forecast.User, nbCfg, loadLocation())
		if profile == nil {
			return errors.New("not enough history to compute a profile")
		}
		return printJSON(profile)
	},
}

func init() {
	onboardCmd.Flags().Bool("ack", false, "acknowledge degraded data and accept a zero fallback")

	forecastCmd.Flags().Float64("bg", 0, "current glucose in mg/dL (required)")
	forecastCmd.Flags().Float64("bolus", 0, "bolus units delivered now")
	forecastCmd.Flags().Float64("carbs", 0, "carb grams eaten now")
	forecastCmd.Flags().String("trend", "", "CGM trend arrow, e.g. Flat, FortyFiveUp")
	forecastCmd.Flags().Bool("scenario", false, "skip source reconciliation; simulate inline events only")
	forecastCmd.Flags().Bool("alerts", false, "evaluate alert thresholds against the result")
	_ = forecastCmd.MarkFlagRequired("bg")
}
