package models

import "time"

// PackageStatus is the registry lifecycle of a micro-app package.
type PackageStatus string

const (
	PackageStatusDraft      PackageStatus = "draft"
	PackageStatusPublished  PackageStatus = "published"
	PackageStatusDeprecated PackageStatus = "deprecated"
	PackageStatusArchived   PackageStatus = "archived"
)

// Manifest carries the install-relevant metadata of a package.
type Manifest struct {
	License          string            `json:"license"`
	Author           string            `json:"author"`
	EntryPoint       string            `json:"entryPoint"`
	Dependencies     map[string]string `json:"dependencies,omitempty"`
	PeerDependencies map[string]string `json:"peerDependencies,omitempty"`
	Permissions      []string          `json:"permissions,omitempty"`
	// Modules lists optional modules and whether they are enabled by default.
	Modules map[string]bool `json:"modules,omitempty"`
	// Customization holds default values consumers may override at install time.
	Customization map[string]any `json:"customization,omitempty"`
}

// MicroAppPackage is a named, versioned package in the registry.
type MicroAppPackage struct {
	ID               string        `json:"id"`
	PackageName      string        `json:"packageName"`
	DisplayName      string        `json:"displayName"`
	Description      string        `json:"description"`
	Category         string        `json:"category"`
	Tags             []string      `json:"tags,omitempty"`
	Version          string        `json:"version"`
	Manifest         Manifest      `json:"manifest"`
	CompatibleBrands []string      `json:"compatibleBrands,omitempty"`
	Status           PackageStatus `json:"status"`
	IsTemplate       bool          `json:"isTemplate"`
	IsFeatured       bool          `json:"isFeatured"`
	QualityScore     float64       `json:"qualityScore"`
	Rating           float64       `json:"rating"`
	TotalDownloads   int64         `json:"totalDownloads"`
	WeeklyDownloads  int64         `json:"weeklyDownloads"`
	InstallCount     int64         `json:"installCount"`
	OwnerID          string        `json:"ownerId,omitempty"`
	RepositoryID     string        `json:"repositoryId,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// PackageVersion is an immutable published version of a package.
type PackageVersion struct {
	ID               string            `json:"id"`
	PackageID        string            `json:"packageId"`
	Version          string            `json:"version"`
	IsLatest         bool              `json:"isLatest"`
	DistURL          string            `json:"distUrl"`
	TarballURL       string            `json:"tarballUrl"`
	Integrity        string            `json:"integrity"`
	Size             int64             `json:"size"`
	Dependencies     map[string]string `json:"dependencies,omitempty"`
	PeerDependencies map[string]string `json:"peerDependencies,omitempty"`
	PublishedAt      time.Time         `json:"publishedAt"`
}

// PackageInfo is the distributable descriptor produced by the package step.
type PackageInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	EntryPoint  string `json:"entryPoint"`
	Size        int64  `json:"size"`
	DistURL     string `json:"distUrl"`
	TarballURL  string `json:"tarballUrl"`
	Integrity   string `json:"integrity"`
	TarballPath string `json:"tarballPath,omitempty"`
}
