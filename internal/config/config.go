package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by DECISIONGRAPH_ENV (or .env by
// default), then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("DECISIONGRAPH_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

// DatabaseURL returns the Postgres URL for the durable chain archive.
// Empty means the archive is disabled and the chain lives in memory only.
func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// GraphID returns the default graph id for tooling.
// Defaults to "default" if not set.
func GraphID() string {
	id := os.Getenv("GRAPH_ID")
	if id == "" {
		return "default"
	}
	return id
}

// SigningKeyB64 returns the base64-encoded Ed25519 private key used to sign
// proof packets. Empty means packets go out unsigned.
func SigningKeyB64() string {
	return os.Getenv("SIGNING_KEY")
}

// SignerKeyID returns the identifier published alongside packet signatures.
func SignerKeyID() string {
	return os.Getenv("SIGNER_KEY_ID")
}

// LogLevel returns the zap log level name.
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}

// MaxAnchorAttempts bounds the oracle's anchor search.
// Defaults to 64 if not set.
func MaxAnchorAttempts() int {
	n, err := strconv.Atoi(os.Getenv("MAX_ANCHOR_ATTEMPTS"))
	if err != nil || n <= 0 {
		return 64
	}
	return n
}

// SimulationMaxRuntime bounds one simulation's anchor search wall time.
// Defaults to 2s if not set.
func SimulationMaxRuntime() time.Duration {
	d, err := time.ParseDuration(os.Getenv("SIMULATION_MAX_RUNTIME"))
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// BacktestRPS returns simulations per second for backtest pacing.
// Zero disables pacing.
func BacktestRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("BACKTEST_RPS"), 64)
	if err != nil || rps < 0 {
		return 0
	}
	return rps
}
