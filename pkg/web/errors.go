package web

import (
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/dukex/microapps/pkg/registry"
	"github.com/dukex/microapps/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func notFound(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusNotFound, "not_found", detail)
}

func unauthorized(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusUnauthorized, "unauthorized", detail)
}

func forbidden(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusForbidden, "forbidden", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleServiceError maps service, registry and persistence errors to problems.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err), registry.IsInvalidRequest(err):
		return badRequest(c, err.Error())

	case services.IsConflictError(err), registry.IsConflict(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())

	case registry.IsPackageNotFound(err):
		return problem(c, fiber.StatusNotFound, "package_not_found", err.Error())

	case registry.IsVersionNotFound(err):
		return problem(c, fiber.StatusNotFound, "version_not_found", err.Error())

	case registry.IsIntegrityMismatch(err):
		return problem(c, fiber.StatusBadGateway, "integrity_mismatch", err.Error())

	case persistence.IsNotFound(err):
		return notFound(c, err.Error())

	default:
		return internalError(c, err)
	}
}
