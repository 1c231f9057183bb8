// Package api exposes the vetting pipeline over HTTP.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	"depvet/config"
	"depvet/lockfile"
	"depvet/orm"
	"depvet/pipeline"
)

const megabyte = 1024 * 1024

// Server routes HTTP requests to the pipeline.
type Server struct {
	app      *fiber.App
	pipeline *pipeline.Pipeline
	db       *orm.DB
}

// New builds the fiber app with all routes registered.
func New(cfg *config.AppConfig, p *pipeline.Pipeline, db *orm.DB) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "depvet",
		BodyLimit:             cfg.BodyLimitMB * megabyte,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New())

	s := &Server{
		app:      app,
		pipeline: p,
		db:       db,
	}

	app.Get("/health", s.health)

	v1 := app.Group("/api/v1")
	v1.Post("/requests", s.submitRequest)
	v1.Get("/requests/:id", s.getRequest)
	v1.Post("/packages/approve", s.approvePackages)
	v1.Post("/packages/reject", s.rejectPackages)
	v1.Post("/packages/:id/retry", s.retryPackage)
	v1.Post("/packages/:id/publish", s.publishPackage)
	v1.Get("/packages/:id/scans", s.getScans)
	v1.Get("/policies", s.getPolicies)
	v1.Put("/policies/:id", s.putPolicy)

	return s
}

// Listen serves until the listener fails or is shut down.
func (s *Server) Listen(addr string) error {
	//nolint:wrapcheck // fiber's error is the meaningful one here
	return s.app.Listen(addr)
}

// Shutdown drains in-flight HTTP requests.
func (s *Server) Shutdown() error {
	//nolint:wrapcheck
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) submitRequest(c *fiber.Ctx) error {
	userID := c.Get("X-User-Id")

	submission, err := s.pipeline.Submit(c.Context(), userID, c.Body())
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(submission)
}

func (s *Server) getRequest(c *fiber.Ctx) error {
	view, err := s.pipeline.Status(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(view)
}

type decisionBody struct {
	PackageIDs []string `json:"packageIds"`
	Reason     string   `json:"reason"`
}

func (s *Server) approvePackages(c *fiber.Ctx) error {
	var body decisionBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "request body must be valid json")
	}

	if err := s.pipeline.Approve(c.Context(), body.PackageIDs, body.Reason); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"approved": len(body.PackageIDs)})
}

func (s *Server) rejectPackages(c *fiber.Ctx) error {
	var body decisionBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "request body must be valid json")
	}

	if err := s.pipeline.Reject(c.Context(), body.PackageIDs, body.Reason); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"rejected": len(body.PackageIDs)})
}

func (s *Server) retryPackage(c *fiber.Ctx) error {
	if err := s.pipeline.Retry(c.Context(), c.Params("id")); err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "retrying"})
}

func (s *Server) publishPackage(c *fiber.Ctx) error {
	if err := s.pipeline.Publish(c.Context(), c.Params("id")); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"status": "published"})
}

func (s *Server) getScans(c *fiber.Ctx) error {
	scans, err := s.db.GetScans(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(scans)
}

func (s *Server) getPolicies(c *fiber.Ctx) error {
	policies, err := s.db.GetPolicies(c.Context())
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(policies)
}

type policyBody struct {
	Name string `json:"name"`
	Tier string `json:"tier"`
}

func (s *Server) putPolicy(c *fiber.Ctx) error {
	var body policyBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "request body must be valid json")
	}

	policy := &orm.LicensePolicy{
		LicenseID: c.Params("id"),
		Name:      body.Name,
		Tier:      body.Tier,
	}
	if err := s.db.UpsertPolicy(c.Context(), policy); err != nil {
		return respondError(c, err)
	}

	return c.JSON(policy)
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}

// respondError maps domain errors onto HTTP statuses. Unrecognized
// errors are logged and reported as 500 without leaking internals.
func respondError(c *fiber.Ctx, err error) error {
	var (
		malformed   *lockfile.MalformedError
		unsupported *lockfile.UnsupportedVersionError
		missing     *lockfile.MissingFieldError
		badInput    *orm.BadInputError
		notFound    *orm.NotFoundError
		conflict    *orm.ConflictError
		transition  *orm.InvalidTransitionError
	)

	switch {
	case errors.As(err, &malformed),
		errors.As(err, &unsupported),
		errors.As(err, &missing),
		errors.As(err, &badInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, pipeline.ErrUploadInProgress):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &notFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &conflict), errors.As(err, &transition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")

		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "internal server error"})
	}
}
