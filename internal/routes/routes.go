package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/agentvault/internal/agent"
	"github.com/congo-pay/agentvault/internal/authz"
	"github.com/congo-pay/agentvault/internal/config"
	"github.com/congo-pay/agentvault/internal/funding"
	"github.com/congo-pay/agentvault/internal/ledger"
	"github.com/congo-pay/agentvault/internal/limits"
	"github.com/congo-pay/agentvault/internal/middleware"
	"github.com/congo-pay/agentvault/internal/notification"
	"github.com/congo-pay/agentvault/internal/proof"
	"github.com/congo-pay/agentvault/internal/serial"
	"github.com/congo-pay/agentvault/internal/vault"
)

const (
	lockTTL   = 30 * time.Second
	lockRetry = 25 * time.Millisecond
	lockWait  = 5 * time.Second
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Events notification.Notifier
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.Env)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.Env)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)

	led, store := Backends(d)
	events := notification.Fanout{notification.NewLoggerNotifier(d.Logger)}
	if d.Events != nil {
		events = append(events, d.Events)
	}
	svc := NewVaultService(d, led, store, events)
	fundingSvc, err := funding.NewService(context.Background(), led, funding.StaticAcquirer{},
		funding.WithNotifier(events), funding.WithLogger(d.Logger))
	if err != nil {
		return fmt.Errorf("init funding: %w", err)
	}

	var locker serial.Locker = serial.NewLocal()
	if d.Cache != nil {
		locker = serial.NewRedis(d.Cache, lockTTL, lockRetry, d.Logger)
	}

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterAgentRoutes(api, vault.NewHandler(svc),
		middleware.SubmitRateLimit(d.Cache, d.Cfg.SubmitRate),
		middleware.SerializeAgent(locker, lockWait),
	)
	RegisterFundingRoutes(api, funding.NewHandler(fundingSvc))
	return nil
}

// Backends returns the ledger and agent store: Postgres when a pool is
// present and in-memory otherwise. The vault and funding services share them.
func Backends(d Deps) (ledger.Ledger, agent.Store) {
	if d.DB != nil {
		pg := ledger.NewPostgresLedger(d.DB)
		return pg, agent.NewPostgresStore(d.DB, pg)
	}
	led := ledger.NewInMemory()
	return led, agent.NewMemoryStore(led)
}

// NewVaultService builds the vault core over the given backends.
func NewVaultService(d Deps, led ledger.Ledger, store agent.Store, events notification.Notifier) *vault.Service {
	var verifier proof.Verifier = proof.Disabled{}
	if d.Cfg.HasAttester {
		verifier = proof.NewAttestationVerifier(d.Cfg.ProofAttester)
	}
	gate := authz.NewGate(verifier, authz.Config{
		WitnessHeaderSize: d.Cfg.Fees.WitnessHeaderSize,
		CommitmentSize:    d.Cfg.Fees.CommitmentSize,
	})

	return vault.NewService(store, led, gate, limits.New(d.Cfg.Fees.SecondsPerDay), vault.Fees{
		OrdinarySpend:       d.Cfg.Fees.OrdinarySpend,
		PrivilegedOperation: d.Cfg.Fees.PrivilegedOperation,
		RecordDeposit:       d.Cfg.Fees.RecordDeposit,
	}, vault.WithNotifier(events), vault.WithLogger(d.Logger))
}
