package bootstrap

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"

	httpadapter "github.com/inboundrelay/gateway/adapter/in/http"
	"github.com/inboundrelay/gateway/config"
	"github.com/inboundrelay/gateway/infra/middleware"
	"github.com/inboundrelay/gateway/pkg/logger"
)

// NewAPI builds the HTTP surface: the webhook-intake endpoint the
// upstream mail receiver calls, the attachment-download redirect, and
// the thin read-only admin API. There is no auth layer - every route
// here is either called by an external system with no session of its
// own, or explicitly out of scope for access control.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	if err := deps.Pool.Start(); err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups := cleanup
	cleanup = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		deps.Pool.Stop(ctx)
		cleanups()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		StrictRouting:         false,
		CaseSensitive:         false,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:   cfg.WebhookMaxPayloadBytes,
		Concurrency: 256 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,

		StreamRequestBody:            true,
		DisablePreParseMultipartForm: true,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.InputSanitizer())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	healthHandler := httpadapter.NewHealthHandler(deps.DB, deps.Redis)
	healthHandler.Register(app)

	intakeHandler := httpadapter.NewIntakeHandler(deps.Pool)
	intakeHandler.Register(app)

	attachmentHandler := httpadapter.NewAttachmentHandler(deps.Emails, deps.Blobs)
	attachmentHandler.Register(app)

	adminHandler := httpadapter.NewAdminHandler(deps.Deliveries, deps.Threads, deps.DeliveryEvents)
	adminHandler.Register(app)

	logger.Info("API server initialized")

	return app, cleanup, nil
}
