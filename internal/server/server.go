package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vanillabrand/fandom/internal/queue"
	mid "github.com/vanillabrand/fandom/internal/server/middleware"
	"github.com/vanillabrand/fandom/internal/setup"
	"github.com/vanillabrand/fandom/internal/util"
	"github.com/vanillabrand/fandom/pkg/logger"

	"github.com/go-playground/validator"
	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// NewServer builds the echo instance with middleware and routes but does
// not start it.
func NewServer(app *mid.App) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(util.GetEnvString("BODY_LIMIT", "64M")))

	RegisterRoutes(e)
	return e
}

// Migrate applies all pending migrations from MIGRATIONS_PATH.
func Migrate(databaseURL string) error {
	m, err := migrate.New("file://"+util.GetEnvString("MIGRATIONS_PATH", "migrations"), databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func Init() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	databaseURL := util.GetEnv("DATABASE_URL")
	if err := Migrate(databaseURL); err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}

	conn, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()

	que := queue.Init()
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	err = queue.SetupQueues(ch, queue.Queues, util.GetEnvDuration("RETRY_DELAY", queue.DefaultRetryDelay))
	if err != nil {
		logger.Fatal("Failed to setup queues", "err", err)
	}

	artifacts, err := setup.NewArtifactStore(ctx)
	if err != nil {
		logger.Fatal("Failed to create S3 client", "err", err)
	}

	// callbacks may finish a job, so the server synthesizes too
	summarizer, err := setup.NewSummarizer()
	if err != nil {
		logger.Fatal("Failed to create summarizer", "err", err)
	}

	coord, err := setup.NewCoordinator(setup.NewCoordinatorParams{
		Pool:       conn,
		Dispatcher: queue.NewDispatcher(ch),
		Artifacts:  artifacts,
		Summarizer: summarizer,
	})
	if err != nil {
		logger.Fatal("Failed to create coordinator", "err", err)
	}

	e := NewServer(&mid.App{
		Coordinator: coord,
		Links:       artifacts,
		APIKey:      util.GetEnv("API_KEY"),
	})

	go func() {
		port := util.GetEnvString("PORT", "8080")
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}
