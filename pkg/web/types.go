// Package web provides HTTP request and response types for the micro-app API.
package web

import (
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/protocol"
	"github.com/dukex/microapps/pkg/registry"
)

// SubmitRequest is the body of POST /submissions.
type SubmitRequest struct {
	OwnerID  string                         `json:"ownerId"            validate:"required"`
	Template models.PipelineTemplate        `json:"template,omitempty" validate:"omitempty,oneof=basic comprehensive"`
	Form     models.DeveloperSubmissionForm `json:"form"`
}

type SubmitResponse struct {
	RepositoryID     string                  `json:"repositoryId"`
	PipelineID       string                  `json:"pipelineId"`
	PipelineTemplate models.PipelineTemplate `json:"pipelineTemplate"`
	Status           models.RepositoryStatus `json:"status"`
}

type CancelPipelineRequest struct {
	RequestedBy string `json:"requestedBy,omitempty"`
}

// PublishPackageRequest is the body of POST /packages. The owner is the
// authenticated developer.
type PublishPackageRequest struct {
	Package       PackageDescriptor          `json:"package"`
	AppInfo       models.SubmissionAppInfo   `json:"appInfo"`
	Technical     models.SubmissionTechnical `json:"technical"`
	License       string                     `json:"license"                 validate:"required"`
	QualityScore  float64                    `json:"qualityScore"            validate:"gte=0,lte=100"`
	Modules       map[string]bool            `json:"modules,omitempty"`
	Customization map[string]any             `json:"customization,omitempty"`
	IsTemplate    bool                       `json:"isTemplate,omitempty"`
}

// PackageDescriptor locates an already built tarball.
type PackageDescriptor struct {
	Version    string `json:"version"    validate:"required,semver"`
	DistURL    string `json:"distUrl"    validate:"omitempty,url"`
	TarballURL string `json:"tarballUrl" validate:"required,url"`
	Integrity  string `json:"integrity"  validate:"required"`
	Size       int64  `json:"size"       validate:"gte=0"`
}

// ToPublishRequest converts the body into the registry's request for a
// package named after Technical.PackageName.
func (r PublishPackageRequest) ToPublishRequest(ownerID string) registry.PublishRequest {
	technical := r.Technical
	technical.Version = r.Package.Version

	return protocol.PublishRequest{
		Submission: models.DeveloperSubmissionForm{
			AppInfo:   r.AppInfo,
			Technical: technical,
			Legal:     models.SubmissionLegal{License: r.License, TermsAccepted: true},
		},
		PackageInfo: models.PackageInfo{
			Name:       technical.PackageName,
			Version:    r.Package.Version,
			EntryPoint: technical.EntryPoint,
			Size:       r.Package.Size,
			DistURL:    r.Package.DistURL,
			TarballURL: r.Package.TarballURL,
			Integrity:  r.Package.Integrity,
		},
		QualityScore:  r.QualityScore,
		OwnerID:       ownerID,
		Modules:       r.Modules,
		Customization: r.Customization,
		IsTemplate:    r.IsTemplate,
	}
}

type PublishPackageResponse struct {
	Package *models.MicroAppPackage `json:"package"`
	Version *models.PackageVersion  `json:"version"`
}

type UpdateStatusRequest struct {
	Status models.PackageStatus `json:"status" validate:"required,oneof=published deprecated archived"`
}

type VersionsResponse struct {
	Package  string                   `json:"package"`
	Versions []*models.PackageVersion `json:"versions"`
}
