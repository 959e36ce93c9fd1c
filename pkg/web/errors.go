package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
	"github.com/redloop/redloop/pkg/kestra"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

func engineUnavailable(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(502).
		WithInstance(c.Path()).
		WithType("engine_unavailable").
		WithDetail(detail)

	return c.Status(fiber.StatusBadGateway).JSON(problem)
}

// handleEngineError maps engine client errors onto problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, kestra.ErrExecutionNotFound):
		return notFound(c, "execution not found on the engine")
	case errors.Is(err, kestra.ErrEngineUnavailable):
		return engineUnavailable(c, err.Error())
	default:
		return internalError(c, err)
	}
}
