package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/dukex/microapps/pkg/mocks"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/dukex/microapps/pkg/persistence/file"
	"github.com/dukex/microapps/pkg/registry"
	"github.com/dukex/microapps/pkg/services"
	"github.com/dukex/microapps/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	developerToken = "tok-dev-1"
	otherToken     = "tok-dev-2"
	serviceKey     = "svc-key"
)

type testEnv struct {
	app      *fiber.App
	store    persistence.Persistence
	bus      *mocks.MockEventBus
	registry *registry.Registry
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := file.NewPersistence(t.TempDir())

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	reg := registry.New(store.PackageRepository(), registry.Options{Logger: logger})
	handlers := web.NewAPIHandlers(
		services.NewSubmission(store, bus, logger),
		reg,
		validator.New(validator.WithRequiredStructEnabled()),
	)

	app := fiber.New()
	handlers.Mount(app, web.StaticTokens{developerToken: "dev-1", otherToken: "dev-2"}, serviceKey)

	return &testEnv{app: app, store: store, bus: bus, registry: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewBuffer(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := e.app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func submissionForm() models.DeveloperSubmissionForm {
	return models.DeveloperSubmissionForm{
		Repository: models.SubmissionRepository{URL: "https://github.com/acme/widget", Type: "github"},
		AppInfo: models.SubmissionAppInfo{
			Name:        "Widget",
			Description: "A widget",
			Category:    "tools",
		},
		Technical: models.SubmissionTechnical{
			PackageName: "widget",
			Version:     "1.0.0",
			EntryPoint:  "dist/index.js",
		},
		Legal: models.SubmissionLegal{License: "MIT", TermsAccepted: true},
	}
}

func publishBody(name, version string) web.PublishPackageRequest {
	return web.PublishPackageRequest{
		Package: web.PackageDescriptor{
			Version:    version,
			TarballURL: "https://cdn.example.com/" + name + "/-/" + name + "-" + version + ".tgz",
			Integrity:  "sha256:0f3b5f1b3c1f1b2f8b8a2c1e5a1f0b9c6c2a7d9e3f4b5a6c7d8e9f0a1b2c3d4e",
			Size:       1024,
		},
		AppInfo: models.SubmissionAppInfo{
			Name:        "App " + name,
			Description: "Micro-app " + name,
			Category:    "tools",
		},
		Technical: models.SubmissionTechnical{
			PackageName: name,
			EntryPoint:  "dist/index.js",
		},
		License:      "MIT",
		QualityScore: 85,
	}
}

func bearer(token string) []string {
	return []string{fiber.HeaderAuthorization, "Bearer " + token}
}

func problemType(t *testing.T, body []byte) string {
	t.Helper()

	var p struct {
		Type string `json:"type"`
	}

	require.NoError(t, json.Unmarshal(body, &p))

	return p.Type
}

func TestSubmissions(t *testing.T) {
	env := setupTestApp(t)

	resp, body := env.do(t, http.MethodPost, "/submissions", web.SubmitRequest{
		OwnerID:  "dev-1",
		Template: models.PipelineTemplateBasic,
		Form:     submissionForm(),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var submitted web.SubmitResponse
	require.NoError(t, json.Unmarshal(body, &submitted))
	assert.NotEmpty(t, submitted.RepositoryID)
	assert.NotEmpty(t, submitted.PipelineID)
	assert.Equal(t, models.PipelineTemplateBasic, submitted.PipelineTemplate)
	assert.Equal(t, models.RepositoryStatusPending, submitted.Status)

	resp, body = env.do(t, http.MethodGet, "/submissions/"+submitted.RepositoryID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status services.SubmissionStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "dev-1", status.Repository.OwnerID)
	require.NotNil(t, status.Pipeline)
	assert.Equal(t, submitted.PipelineID, status.Pipeline.ID)

	resp, _ = env.do(t, http.MethodGet, "/pipelines/"+submitted.PipelineID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/pipelines/"+submitted.PipelineID+"/cancel", web.CancelPipelineRequest{RequestedBy: "dev-1"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/submissions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/pipelines/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmissions_Rejected(t *testing.T) {
	noTerms := submissionForm()
	noTerms.Legal.TermsAccepted = false

	badURL := submissionForm()
	badURL.Repository.URL = "not a url"

	tests := []struct {
		name string
		body any
	}{
		{name: "invalid JSON", body: "invalid-json"},
		{name: "missing owner", body: web.SubmitRequest{Form: submissionForm()}},
		{name: "unknown template", body: web.SubmitRequest{OwnerID: "dev-1", Template: "turbo", Form: submissionForm()}},
		{name: "terms not accepted", body: web.SubmitRequest{OwnerID: "dev-1", Form: noTerms}},
		{name: "invalid repository url", body: web.SubmitRequest{OwnerID: "dev-1", Form: badURL}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestApp(t)

			resp, body := env.do(t, http.MethodPost, "/submissions", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
			assert.Equal(t, "validation_error", problemType(t, body))
		})
	}
}

func TestCancelPipeline_Finished(t *testing.T) {
	env := setupTestApp(t)

	require.NoError(t, env.store.PipelineRepository().Save(t.Context(), &models.DeploymentPipeline{
		ID:           "pipe-done",
		RepositoryID: "repo-1",
		Status:       models.PipelineStatusSuccess,
	}))

	resp, body := env.do(t, http.MethodPost, "/pipelines/pipe-done/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", problemType(t, body))
}

func TestPublishPackage(t *testing.T) {
	env := setupTestApp(t)

	resp, _ := env.do(t, http.MethodPost, "/packages", publishBody("widget", "1.0.0"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/packages", publishBody("widget", "1.0.0"), bearer("wrong")...)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/packages", publishBody("widget", "1.0.0"), bearer(developerToken)...)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var published web.PublishPackageResponse
	require.NoError(t, json.Unmarshal(body, &published))
	assert.Equal(t, "widget", published.Package.PackageName)
	assert.Equal(t, "dev-1", published.Package.OwnerID)
	assert.True(t, published.Version.IsLatest)

	resp, _ = env.do(t, http.MethodPost, "/packages", publishBody("widget", "1.0.0"), bearer(developerToken)...)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "same version twice")

	resp, _ = env.do(t, http.MethodPost, "/packages", publishBody("widget", "1.1.0"), bearer(otherToken)...)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "foreign owner")

	resp, _ = env.do(t, http.MethodPost, "/packages", publishBody("widget", "1.1.0"), bearer(developerToken)...)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	invalid := publishBody("widget", "not-semver")
	resp, body = env.do(t, http.MethodPost, "/packages", invalid, bearer(developerToken)...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", problemType(t, body))

	resp, body = env.do(t, http.MethodGet, "/packages/widget/versions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var versions web.VersionsResponse
	require.NoError(t, json.Unmarshal(body, &versions))
	assert.Len(t, versions.Versions, 2)

	resp, body = env.do(t, http.MethodGet, "/packages/widget/versions/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var latest models.PackageVersion
	require.NoError(t, json.Unmarshal(body, &latest))
	assert.Equal(t, "1.1.0", latest.Version)

	resp, body = env.do(t, http.MethodGet, "/packages/widget/versions/9.9.9", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "version_not_found", problemType(t, body))

	resp, body = env.do(t, http.MethodGet, "/packages/nothing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "package_not_found", problemType(t, body))
}

func TestUpdatePackageStatus(t *testing.T) {
	env := setupTestApp(t)

	resp, _ := env.do(t, http.MethodPost, "/packages", publishBody("widget", "1.0.0"), bearer(developerToken)...)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	deprecate := web.UpdateStatusRequest{Status: models.PackageStatusDeprecated}

	resp, _ = env.do(t, http.MethodPatch, "/packages/widget/status", deprecate, bearer(otherToken)...)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPatch, "/packages/widget/status", web.UpdateStatusRequest{Status: "gone"}, bearer(developerToken)...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodPatch, "/packages/widget/status", deprecate, bearer(developerToken)...)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var pkg models.MicroAppPackage
	require.NoError(t, json.Unmarshal(body, &pkg))
	assert.Equal(t, models.PackageStatusDeprecated, pkg.Status)

	resp, body = env.do(t, http.MethodGet, "/packages/search", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result registry.SearchResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Zero(t, result.TotalCount, "deprecated packages are not searchable")
}

func TestSearchPackages(t *testing.T) {
	env := setupTestApp(t)

	for _, name := range []string{"chat-widget", "cart", "video-call"} {
		resp, _ := env.do(t, http.MethodPost, "/packages", publishBody(name, "1.0.0"), bearer(developerToken)...)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/packages/search?q=widget&license=MIT,Apache-2.0&limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result registry.SearchResult
	require.NoError(t, json.Unmarshal(body, &result))
	require.Equal(t, 1, result.TotalCount)
	assert.Equal(t, "chat-widget", result.Packages[0].PackageName)
	assert.Equal(t, 1, result.Facets.Licenses["MIT"])
	assert.Equal(t, 10, result.Limit)

	resp, body = env.do(t, http.MethodGet, "/packages/search?limit=2&sort=downloads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 3, result.TotalCount)
	assert.Len(t, result.Packages, 2)
	assert.True(t, result.HasMore)
	assert.Equal(t, 3, result.Facets.Categories["tools"])

	for _, query := range []string{"limit=abc", "featured=maybe", "quality=high", "sort=random"} {
		resp, _ = env.do(t, http.MethodGet, "/packages/search?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestInstallPackage(t *testing.T) {
	env := setupTestApp(t)

	for _, version := range []string{"1.0.0", "1.1.0"} {
		resp, _ := env.do(t, http.MethodPost, "/packages", publishBody("widget", version), bearer(developerToken)...)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/packages/widget/install", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result registry.InstallResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "1.1.0", result.Package.Version)
	assert.Equal(t, "dist/index.js", result.EntryPoint)

	resp, body = env.do(t, http.MethodPost, "/packages/widget/install", registry.InstallOptions{Version: "1.0.0"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "1.0.0", result.Package.Version)

	resp, _ = env.do(t, http.MethodPost, "/packages/widget/install?version=2.0.0", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/packages/ghost/install", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordInstall(t *testing.T) {
	env := setupTestApp(t)

	resp, body := env.do(t, http.MethodPost, "/packages", publishBody("widget", "1.0.0"), bearer(developerToken)...)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var published web.PublishPackageResponse
	require.NoError(t, json.Unmarshal(body, &published))

	path := "/packages/" + published.Package.ID + "/metrics/install"

	resp, _ = env.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, path, nil, web.HeaderAPIKey, "nope")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, path, nil, web.HeaderAPIKey, serviceKey)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/packages/unknown-id/metrics/install", nil, web.HeaderAPIKey, serviceKey)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	stored, err := env.store.PackageRepository().GetByName(t.Context(), "widget")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.InstallCount)
}

func TestHealthCheck(t *testing.T) {
	env := setupTestApp(t)

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
}

func TestScopedPackageNames(t *testing.T) {
	env := setupTestApp(t)

	resp, body := env.do(t, http.MethodPost, "/packages", publishBody("@acme/widget", "1.0.0"), bearer(developerToken)...)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	escaped := "/packages/" + url.PathEscape("@acme/widget")

	resp, body = env.do(t, http.MethodGet, escaped, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var pkg models.MicroAppPackage
	require.NoError(t, json.Unmarshal(body, &pkg))
	assert.Equal(t, "@acme/widget", pkg.PackageName)

	resp, body = env.do(t, http.MethodGet, escaped+"/versions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var versions web.VersionsResponse
	require.NoError(t, json.Unmarshal(body, &versions))
	assert.Equal(t, "@acme/widget", versions.Package)
	assert.Len(t, versions.Versions, 1)

	resp, _ = env.do(t, http.MethodGet, escaped+"/versions/1.0.0", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, escaped+"/install", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
