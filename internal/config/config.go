package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the server configuration read from the environment.
type Config struct {
	HTTPAddr   string `env:"RAFFLE_HTTP_ADDR" envDefault:":8080"`
	LogFile    string `env:"RAFFLE_LOG_FILE"`
	LogVerbose bool   `env:"RAFFLE_LOG_VERBOSE" envDefault:"true"`

	JWTSecret string        `env:"RAFFLE_JWT_SECRET"`
	TokenTTL  time.Duration `env:"RAFFLE_TOKEN_TTL" envDefault:"1h"`

	StoreDriver string `env:"RAFFLE_STORE_DRIVER" envDefault:"memory"`
	StoreDSN    string `env:"RAFFLE_STORE_DSN" envDefault:"raffle.db"`

	Oracle    OracleConfig
	Consensus ConsensusConfig

	RedisAddr string        `env:"RAFFLE_REDIS_ADDR"`
	LockTTL   time.Duration `env:"RAFFLE_LOCK_TTL" envDefault:"5m"`
}

// OracleConfig configures the text-generation provider.
type OracleConfig struct {
	Provider    string        `env:"RAFFLE_ORACLE_PROVIDER" envDefault:"openai"`
	BaseURL     string        `env:"RAFFLE_ORACLE_BASE_URL"`
	APIKey      string        `env:"RAFFLE_ORACLE_API_KEY"`
	Model       string        `env:"RAFFLE_ORACLE_MODEL" envDefault:"gpt-4o-mini"`
	Temperature float64       `env:"RAFFLE_ORACLE_TEMPERATURE" envDefault:"0"`
	Timeout     time.Duration `env:"RAFFLE_ORACLE_TIMEOUT" envDefault:"60s"`
}

// ConsensusConfig configures replicated oracle execution.
type ConsensusConfig struct {
	Replicas   int           `env:"RAFFLE_CONSENSUS_REPLICAS" envDefault:"3"`
	Threshold  int           `env:"RAFFLE_CONSENSUS_THRESHOLD" envDefault:"0"`
	Rounds     int           `env:"RAFFLE_CONSENSUS_ROUNDS" envDefault:"1"`
	RoundDelay time.Duration `env:"RAFFLE_CONSENSUS_ROUND_DELAY" envDefault:"2s"`
	Timeout    time.Duration `env:"RAFFLE_CONSENSUS_TIMEOUT" envDefault:"2m"`
}

// Load reads an optional .env file and then parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse parses and validates the configuration from the environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values env tags cannot express.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("RAFFLE_JWT_SECRET is required")
	}
	switch c.StoreDriver {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.Consensus.Replicas < 1 {
		return fmt.Errorf("consensus replicas must be at least 1, got %d", c.Consensus.Replicas)
	}
	if c.Consensus.Rounds < 1 {
		return fmt.Errorf("consensus rounds must be at least 1, got %d", c.Consensus.Rounds)
	}
	if c.RedisAddr != "" {
		// A redis lease must outlive a full resolution or entries could land
		// while the oracle runs.
		if c.Consensus.Timeout <= 0 {
			return errors.New("RAFFLE_CONSENSUS_TIMEOUT must be set when RAFFLE_REDIS_ADDR is used")
		}
		worst := time.Duration(c.Consensus.Rounds) * (c.Consensus.Timeout + c.Consensus.RoundDelay)
		if c.LockTTL <= worst {
			return fmt.Errorf("RAFFLE_LOCK_TTL %s must exceed %d round(s) of %s timeout plus %s delay (%s)",
				c.LockTTL, c.Consensus.Rounds, c.Consensus.Timeout, c.Consensus.RoundDelay, worst)
		}
	}
	return nil
}

// Exitf writes a formatted message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
