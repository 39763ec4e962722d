// Package api assembles the served-mode HTTP application.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/activescreen/backend/internal/api/handlers"
	"github.com/activescreen/backend/internal/metrics"
	"github.com/activescreen/backend/internal/middleware/ratelimit"
	"github.com/activescreen/backend/internal/middleware/security"
	"github.com/activescreen/backend/internal/middleware/validation"
	"github.com/activescreen/backend/pkg/logger"
)

type Options struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	BodyLimit       int
	RateLimitPerMin int
	AllowedOrigins  []string
	IsDevelopment   bool
	// AccessLog enables the request log middleware.
	AccessLog bool
}

// Server is the fiber app together with the resources it owns.
type Server struct {
	App     *fiber.App
	limiter *ratelimit.RateLimiter
}

func NewServer(env *handlers.Env, opts Options) *Server {
	metrics.Init()

	app := fiber.New(fiber.Config{
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		BodyLimit:             opts.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(fiberlogger.New())
	}

	origins := "*"
	if len(opts.AllowedOrigins) > 0 {
		origins = strings.Join(opts.AllowedOrigins, ", ")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + handlers.OwnerHeader,
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: opts.AllowedOrigins,
		IsDevelopment:  opts.IsDevelopment,
	}))

	s := &Server{App: app}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})
	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	if opts.RateLimitPerMin > 0 {
		s.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: opts.RateLimitPerMin,
			KeyHeader:         handlers.OwnerHeader,
			Logger:            logger.GetLogger(),
		})
		api.Use(s.limiter.Middleware())
	}

	projectHandler := handlers.NewProjectHandler(env)
	reviewHandler := handlers.NewReviewHandler(env)
	labels := validation.Labels(validation.Config{Logger: logger.GetLogger()})

	api.Post("/projects", projectHandler.CreateProject)
	api.Get("/projects", projectHandler.ListProjects)
	api.Get("/projects/:id", projectHandler.GetProject)
	api.Delete("/projects/:id", projectHandler.DeleteProject)
	api.Post("/projects/:id/priors", projectHandler.AddPriors)
	api.Post("/projects/:id/train", projectHandler.Train)
	api.Post("/projects/:id/clear_error", projectHandler.ClearError)

	api.Get("/projects/:id/next", reviewHandler.Next)
	api.Post("/projects/:id/labels", labels, reviewHandler.Label)
	api.Put("/projects/:id/labels/:record_id", labels, reviewHandler.Correct)
	api.Delete("/projects/:id/pending/:record_id", reviewHandler.Skip)
	api.Get("/projects/:id/pool", reviewHandler.Pool)
	api.Get("/projects/:id/pending", reviewHandler.Pending)
	api.Get("/projects/:id/labeled", reviewHandler.Labeled)
	api.Get("/projects/:id/ranking", reviewHandler.Ranking)
	api.Get("/projects/:id/decision_changes", reviewHandler.DecisionChanges)
	api.Get("/projects/:id/results/:record_id", reviewHandler.Result)
	api.Get("/projects/:id/analysis", reviewHandler.Analysis)

	oracle := handlers.NewOracleHandler(env)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/projects/:id/oracle", websocket.New(oracle.HandleConnection))

	return s
}

func (s *Server) Listen(addr string) error {
	return s.App.Listen(addr)
}

func (s *Server) Shutdown() error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.App.Shutdown()
}
