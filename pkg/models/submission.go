package models

import "time"

// PipelineTemplate selects the set of steps run for a submission.
type PipelineTemplate string

const (
	PipelineTemplateBasic         PipelineTemplate = "basic"
	PipelineTemplateComprehensive PipelineTemplate = "comprehensive"
)

// DeveloperSubmissionForm is the payload a developer submits through the portal.
type DeveloperSubmissionForm struct {
	Repository SubmissionRepository `json:"repository" validate:"required"`
	AppInfo    SubmissionAppInfo    `json:"appInfo"    validate:"required"`
	Technical  SubmissionTechnical  `json:"technical"  validate:"required"`
	Legal      SubmissionLegal      `json:"legal"      validate:"required"`
}

type SubmissionRepository struct {
	URL         string `json:"url"                   validate:"required,url"`
	Type        string `json:"type"                  validate:"required,oneof=github gitlab bitbucket git"`
	Branch      string `json:"branch,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

type SubmissionAppInfo struct {
	Name         string   `json:"name"         validate:"required,min=3"`
	Description  string   `json:"description"  validate:"required"`
	Category     string   `json:"category"     validate:"required"`
	TargetBrands []string `json:"targetBrands"`
	Tags         []string `json:"tags,omitempty"`
}

type SubmissionTechnical struct {
	PackageName      string            `json:"packageName"                validate:"required,min=2,max=214"`
	Version          string            `json:"version"                    validate:"required"`
	EntryPoint       string            `json:"entryPoint"                 validate:"required"`
	Dependencies     map[string]string `json:"dependencies"`
	PeerDependencies map[string]string `json:"peerDependencies,omitempty"`
	Permissions      []string          `json:"permissions"`
}

type SubmissionLegal struct {
	License       string `json:"license"       validate:"required"`
	TermsAccepted bool   `json:"termsAccepted"`
}

// RepositoryStatus is the user-visible outcome of a submission.
type RepositoryStatus string

const (
	RepositoryStatusPending  RepositoryStatus = "pending"
	RepositoryStatusBuilding RepositoryStatus = "building"
	RepositoryStatusApproved RepositoryStatus = "approved"
	RepositoryStatusRejected RepositoryStatus = "rejected"
)

// Repository is the record created for every accepted submission.
type Repository struct {
	ID               string                  `json:"id"`
	OwnerID          string                  `json:"owner_id"`
	Form             DeveloperSubmissionForm `json:"form"`
	Template         PipelineTemplate        `json:"template"`
	Status           RepositoryStatus        `json:"status"`
	LatestPipelineID string                  `json:"latest_pipeline_id,omitempty"`
	PackageName      string                  `json:"package_name"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}
