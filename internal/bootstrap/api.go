package bootstrap

import (
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	inhttp "mailbridge/adapter/in/http"
	"mailbridge/config"
	"mailbridge/infra/middleware"
	"mailbridge/pkg/logger"
)

// NewAPI builds the HTTP process: middleware stack, health, the OAuth
// connect flow and the read endpoints.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.Environment == "production",
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             1024 * 1024,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))
	app.Use(cors.New(cors.Config{
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Request-ID,X-User-ID",
	}))

	inhttp.NewHealthHandler(deps.DB, deps.Redis, deps.Mongo).Register(app)
	inhttp.NewOAuthHandler(deps.AuthFlow).Register(app)

	api := app.Group("/api/v1")
	inhttp.NewEmailHandler(deps.SearchSvc, deps.Accounts).Register(api)
	inhttp.NewAdminHandler(deps.Categorizer, deps.Reconciler).Register(api)

	logger.Info("api initialized")
	return app, cleanup, nil
}
