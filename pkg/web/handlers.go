// Package web provides the HTTP API for submissions, pipelines and the package registry.
package web

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/microapps/pkg/registry"
	"github.com/dukex/microapps/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	submissions *services.Submission
	registry    *registry.Registry
	validator   *validator.Validate
}

func NewAPIHandlers(
	submissions *services.Submission,
	registry *registry.Registry,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		submissions: submissions,
		registry:    registry,
		validator:   validator,
	}
}

// Mount registers every route. Publishing requires a developer token and the
// install metrics endpoint requires the service key.
func (h *APIHandlers) Mount(router fiber.Router, developers DeveloperAuthenticator, serviceKey string) {
	router.Get("/health", h.HealthCheck)

	s := router.Group("/submissions")
	s.Post("/", h.Submit)
	s.Get("/:id", h.GetSubmission)

	p := router.Group("/pipelines")
	p.Get("/:id", h.GetPipeline)
	p.Post("/:id/cancel", h.CancelPipeline)

	pkgs := router.Group("/packages")
	pkgs.Get("/search", h.SearchPackages)
	pkgs.Post("/", RequireDeveloper(developers), h.PublishPackage)
	pkgs.Get("/:name", h.GetPackage)
	pkgs.Patch("/:name/status", RequireDeveloper(developers), h.UpdatePackageStatus)
	pkgs.Get("/:name/versions", h.GetPackageVersions)
	pkgs.Get("/:name/versions/:version", h.GetPackageVersion)
	pkgs.Post("/:name/install", h.InstallPackage)
	pkgs.Post("/:id/metrics/install", RequireServiceKey(serviceKey), h.RecordInstall)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.submissions.HealthCheck(c)

	status := "unhealthy"
	message := "Micro-apps API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Micro-apps API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) Submit(c fiber.Ctx) error {
	var req SubmitRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.submissions.Submit(c, services.SubmitRequest{
		OwnerID:  req.OwnerID,
		Form:     req.Form,
		Template: req.Template,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(SubmitResponse{
		RepositoryID:     result.Repository.ID,
		PipelineID:       result.PipelineID,
		PipelineTemplate: result.Template,
		Status:           result.Repository.Status,
	})
}

func (h *APIHandlers) GetSubmission(c fiber.Ctx) error {
	status, err := h.submissions.GetSubmission(c, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) GetPipeline(c fiber.Ctx) error {
	run, err := h.submissions.GetPipeline(c, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) CancelPipeline(c fiber.Ctx) error {
	var req CancelPipelineRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	id := c.Params("id")

	if err := h.submissions.CancelPipeline(c, id, req.RequestedBy); err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"pipelineId": id,
		"status":     "cancellation_requested",
	})
}

func (h *APIHandlers) SearchPackages(c fiber.Ctx) error {
	filters, err := parseSearchFilters(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.registry.SearchPackages(c, *filters)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

// parseSearchFilters reads q, category, brand, author, template, featured,
// quality, license, tags, sort, limit and offset.
func parseSearchFilters(c fiber.Ctx) (*registry.SearchFilters, error) {
	filters := &registry.SearchFilters{
		Query:    c.Query("q"),
		Category: c.Query("category"),
		Brand:    c.Query("brand"),
		Author:   c.Query("author"),
		Licenses: splitList(c.Query("license")),
		Tags:     splitList(c.Query("tags")),
		Sort:     registry.SortOption(c.Query("sort")),
	}

	var err error

	if filters.IsTemplate, err = optionalBool(c.Query("template")); err != nil {
		return nil, err
	}

	if filters.IsFeatured, err = optionalBool(c.Query("featured")); err != nil {
		return nil, err
	}

	if quality := c.Query("quality"); quality != "" {
		if filters.MinQualityScore, err = strconv.ParseFloat(quality, 64); err != nil {
			return nil, err
		}
	}

	if limit := c.Query("limit"); limit != "" {
		if filters.Limit, err = strconv.Atoi(limit); err != nil {
			return nil, err
		}
	}

	if offset := c.Query("offset"); offset != "" {
		if filters.Offset, err = strconv.Atoi(offset); err != nil {
			return nil, err
		}
	}

	return filters, nil
}

func optionalBool(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil //nolint:nilnil
	}

	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}

	return &value, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}

	var values []string

	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}

	return values
}

// packageName reads the :name param. Scoped names travel URL-escaped
// (@scope%2Fname) because the slash would otherwise split the route.
func packageName(c fiber.Ctx) (string, error) {
	return url.PathUnescape(c.Params("name"))
}

func (h *APIHandlers) GetPackage(c fiber.Ctx) error {
	name, err := packageName(c)
	if err != nil {
		return badRequest(c, "Invalid package name")
	}

	pkg, err := h.registry.GetPackage(c, name)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(pkg)
}

func (h *APIHandlers) GetPackageVersions(c fiber.Ctx) error {
	name, err := packageName(c)
	if err != nil {
		return badRequest(c, "Invalid package name")
	}

	versions, err := h.registry.GetPackageVersions(c, name)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(VersionsResponse{Package: name, Versions: versions})
}

func (h *APIHandlers) GetPackageVersion(c fiber.Ctx) error {
	name, err := packageName(c)
	if err != nil {
		return badRequest(c, "Invalid package name")
	}

	version, err := h.registry.GetPackageVersion(c, name, c.Params("version"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

func (h *APIHandlers) InstallPackage(c fiber.Ctx) error {
	name, err := packageName(c)
	if err != nil {
		return badRequest(c, "Invalid package name")
	}

	var opts registry.InstallOptions

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&opts); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if opts.Version == "" {
		opts.Version = c.Query("version")
	}

	result, err := h.registry.InstallPackage(c, name, opts)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) PublishPackage(c fiber.Ctx) error {
	var req PublishPackageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if req.Technical.Version == "" {
		req.Technical.Version = req.Package.Version
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	pkg, version, err := h.registry.Publish(c, req.ToPublishRequest(DeveloperID(c)))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(PublishPackageResponse{Package: pkg, Version: version})
}

// UpdatePackageStatus deprecates, archives or republishes a package owned by
// the caller.
func (h *APIHandlers) UpdatePackageStatus(c fiber.Ctx) error {
	var req UpdateStatusRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	name, err := packageName(c)
	if err != nil {
		return badRequest(c, "Invalid package name")
	}

	existing, err := h.registry.GetPackage(c, name)
	if err != nil {
		return handleServiceError(c, err)
	}

	if existing.OwnerID != DeveloperID(c) {
		return forbidden(c, "package "+name+" belongs to another developer")
	}

	updated, err := h.registry.UpdateStatus(c, name, req.Status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) RecordInstall(c fiber.Ctx) error {
	if err := h.registry.RecordInstall(c, c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}
