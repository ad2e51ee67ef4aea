package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	defaultAppName         = "AgentVault"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultAMQPExchange    = "agentvault.events"
	defaultSubmitRate      = 30
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	feeScheduleFileEnvVar  = "FEE_SCHEDULE_FILE"

	commitmentWidth = 32
)

// FeeSchedule holds the tunable amounts and sizes of the vault core.
type FeeSchedule struct {
	OrdinarySpend       uint64 `yaml:"fee_ordinary_spend"`
	PrivilegedOperation uint64 `yaml:"fee_privileged_operation"`
	WitnessHeaderSize   int    `yaml:"witness_header_size"`
	CommitmentSize      int    `yaml:"commitment_size"`
	SecondsPerDay       int64  `yaml:"seconds_per_day"`
	RecordDeposit       uint64 `yaml:"record_deposit"`
}

// DefaultFeeSchedule returns the schedule used when nothing overrides it.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		OrdinarySpend:       10_000,
		PrivilegedOperation: 50_000,
		WitnessHeaderSize:   12,
		CommitmentSize:      commitmentWidth,
		SecondsPerDay:       86_400,
		RecordDeposit:       2_081_040,
	}
}

// Validate rejects schedules the core cannot run with.
func (f FeeSchedule) Validate() error {
	if f.WitnessHeaderSize < 0 {
		return fmt.Errorf("WITNESS_HEADER_SIZE must not be negative")
	}
	if f.CommitmentSize != commitmentWidth {
		return fmt.Errorf("COMMITMENT_SIZE must be %d", commitmentWidth)
	}
	if f.SecondsPerDay <= 0 {
		return fmt.Errorf("SECONDS_PER_DAY must be positive")
	}
	return nil
}

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	Env            string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	AMQPURL        string
	AMQPExchange   string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	Fees           FeeSchedule
	ProofAttester  common.Address
	HasAttester    bool
	SubmitRate     int
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		Env:            getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		AMQPURL:        os.Getenv("AMQP_URL"),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", defaultAMQPExchange),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		Fees:           DefaultFeeSchedule(),
		SubmitRate:     defaultSubmitRate,
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}

	if path := os.Getenv(feeScheduleFileEnvVar); path != "" {
		if err := loadFeeFile(path, &cfg.Fees); err != nil {
			return Config{}, err
		}
	}
	if err := applyFeeEnv(&cfg.Fees); err != nil {
		return Config{}, err
	}
	if err := cfg.Fees.Validate(); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("PROOF_ATTESTER"); v != "" {
		if !common.IsHexAddress(v) {
			return Config{}, fmt.Errorf("invalid PROOF_ATTESTER: %q is not a hex address", v)
		}
		cfg.ProofAttester = common.HexToAddress(v)
		cfg.HasAttester = true
	}

	if v := os.Getenv("SUBMIT_RATE_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SUBMIT_RATE_PER_MINUTE: %w", err)
		}
		cfg.SubmitRate = n
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
	}

	return cfg, nil
}

// IsDev reports whether the service may run on in-memory backends.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.Env) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func loadFeeFile(path string, fees *FeeSchedule) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", feeScheduleFileEnvVar, err)
	}
	if err := yaml.Unmarshal(raw, fees); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyFeeEnv(fees *FeeSchedule) error {
	uints := []struct {
		key string
		dst *uint64
	}{
		{"FEE_ORDINARY_SPEND", &fees.OrdinarySpend},
		{"FEE_PRIVILEGED_OPERATION", &fees.PrivilegedOperation},
		{"RECORD_DEPOSIT", &fees.RecordDeposit},
	}
	for _, u := range uints {
		if v := os.Getenv(u.key); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", u.key, err)
			}
			*u.dst = n
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"WITNESS_HEADER_SIZE", &fees.WitnessHeaderSize},
		{"COMMITMENT_SIZE", &fees.CommitmentSize},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", i.key, err)
			}
			*i.dst = n
		}
	}

	if v := os.Getenv("SECONDS_PER_DAY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SECONDS_PER_DAY: %w", err)
		}
		fees.SecondsPerDay = n
	}
	return nil
}

// durationEnv reads a whole-seconds variable, falling back to a Go duration
// string variable.
func durationEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
