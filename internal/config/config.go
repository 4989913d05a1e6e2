// Package config loads controller configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// DefaultFeatures is the feature vector the agent is expected to report for
// every evaluated position. Results missing any of these keys are completed
// with Request.FeatureFillValue rather than rejected.
var DefaultFeatures = []string{
	"Time_skewness_x", "Time_kurtosis_x", "Time_rms_x", "Time_crestfactor_x",
	"Powerspectrum_skewness_x", "Powerspectrum_kurtosis_x",
	"Powerspectrum_rms_x", "Powerspectrum_crestfactor_x",
}

// Config is the process-wide configuration for the ALIGN controller.
type Config struct {
	Environment string `env:"ENV" envDefault:"development"`

	HTTP struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}

	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}

	Broker struct {
		URL             string        `env:"BROKER_URL" envDefault:"nats://127.0.0.1:4222"`
		PairID          string        `env:"BROKER_PAIR_ID" envDefault:"id1"`
		ClientID        string        `env:"BROKER_CLIENT_ID" envDefault:"A-id1"`
		Keepalive       time.Duration `env:"BROKER_KEEPALIVE" envDefault:"45s"`
		ConnectAttempts int           `env:"BROKER_CONNECT_ATTEMPTS" envDefault:"5"`
		ConnectBackoff  time.Duration `env:"BROKER_CONNECT_BACKOFF" envDefault:"1s"`
		MaxBackoff      time.Duration `env:"BROKER_MAX_BACKOFF" envDefault:"30s"`
		DrainTimeout    time.Duration `env:"BROKER_DRAIN_TIMEOUT" envDefault:"10s"`
	}

	Request struct {
		Timeout           time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
		MaxAttempts       int           `env:"REQUEST_MAX_ATTEMPTS" envDefault:"3"`
		BackoffMultiplier float64       `env:"REQUEST_BACKOFF_MULTIPLIER" envDefault:"2.0"`
		FeatureFillValue  float64       `env:"REQUEST_FEATURE_FILL_VALUE" envDefault:"0"`
		Features          []string      `env:"REQUEST_FEATURES" envSeparator:","`
	}

	Search struct {
		MaxIterations int     `env:"SEARCH_MAX_ITERATIONS" envDefault:"50"`
		Patience      int     `env:"SEARCH_NO_IMPROVE_PATIENCE" envDefault:"10"`
		Epsilon       float64 `env:"SEARCH_EPSILON" envDefault:"0.001"`
		Samples       int     `env:"SEARCH_SAMPLES_PER_POINT" envDefault:"1"`
		SigX          float64 `env:"SEARCH_SIG_X" envDefault:"2"`
		SigY          float64 `env:"SEARCH_SIG_Y" envDefault:"2"`
		SigXMax       float64 `env:"SEARCH_SIG_X_MAX" envDefault:"2.5"`
		SigYMax       float64 `env:"SEARCH_SIG_Y_MAX" envDefault:"2.5"`
		UpScale       float64 `env:"SEARCH_UP_SCALE" envDefault:"1.2"`
		DownScale     float64 `env:"SEARCH_DOWN_SCALE" envDefault:"0.8"`
		Seed          int64   `env:"SEARCH_SEED" envDefault:"0"`
		Mode          string  `env:"SEARCH_SELECTION_MODE" envDefault:"score"`
	}

	Safety struct {
		TimeRMSMax   float64 `env:"SAFETY_TIME_RMS_MAX" envDefault:"5"`
		TimeCrestMax float64 `env:"SAFETY_TIME_CREST_MAX" envDefault:"10"`
	}

	// Settings are the initial values for the dynamically-updatable
	// settings store; the agent replaces them over the config topic.
	Settings struct {
		StartX  float64 `env:"SETTINGS_START_X" envDefault:"16"`
		StartY  float64 `env:"SETTINGS_START_Y" envDefault:"-26"`
		XMin    float64 `env:"SETTINGS_X_MIN" envDefault:"18.5"`
		XMax    float64 `env:"SETTINGS_X_MAX" envDefault:"29.5"`
		YMin    float64 `env:"SETTINGS_Y_MIN" envDefault:"-36.5"`
		YMax    float64 `env:"SETTINGS_Y_MAX" envDefault:"-25.5"`
		SigXMin float64 `env:"SETTINGS_SIG_X_MIN" envDefault:"0.0005"`
		SigYMin float64 `env:"SETTINGS_SIG_Y_MIN" envDefault:"0.0005"`
	}
}

// Load parses configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if len(cfg.Request.Features) == 0 {
		cfg.Request.Features = append([]string(nil), DefaultFeatures...)
	}
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}
