package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
)

type SortOption string

const (
	SortRelevance SortOption = "relevance"
	SortDownloads SortOption = "downloads"
	SortRating    SortOption = "rating"
	SortUpdated   SortOption = "updated"
	SortCreated   SortOption = "created"

	DefaultSearchLimit = 20
	MaxSearchLimit     = 100

	// unknownFacet buckets packages with an empty category, license or author.
	unknownFacet = "unknown"
)

type SearchFilters struct {
	Query           string
	Category        string
	Brand           string
	Author          string
	IsTemplate      *bool
	IsFeatured      *bool
	MinQualityScore float64
	Licenses        []string
	Tags            []string
	Sort            SortOption
	Limit           int
	Offset          int
}

// Facets count matches per dimension. Each map sums to SearchResult.TotalCount.
type Facets struct {
	Categories map[string]int `json:"categories"`
	Licenses   map[string]int `json:"licenses"`
	Authors    map[string]int `json:"authors"`
}

type SearchResult struct {
	Packages   []*models.MicroAppPackage `json:"packages"`
	TotalCount int                       `json:"totalCount"`
	Facets     Facets                    `json:"facets"`
	Limit      int                       `json:"limit"`
	Offset     int                       `json:"offset"`
	HasMore    bool                      `json:"hasMore"`
}

// SearchPackages filters published packages, computes facets over every match
// and returns one sorted page.
func (r *Registry) SearchPackages(ctx context.Context, filters SearchFilters) (*SearchResult, error) {
	less, err := sorter(filters.Sort)
	if err != nil {
		return nil, err
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	limit = min(limit, MaxSearchLimit)
	offset := max(filters.Offset, 0)

	matches, err := r.store.Find(ctx, persistence.PackageQuery{
		Query:           strings.TrimSpace(filters.Query),
		Status:          models.PackageStatusPublished,
		Category:        filters.Category,
		Brand:           filters.Brand,
		Author:          filters.Author,
		IsTemplate:      filters.IsTemplate,
		IsFeatured:      filters.IsFeatured,
		MinQualityScore: filters.MinQualityScore,
		Licenses:        filters.Licenses,
		Tags:            filters.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search packages: %w", err)
	}

	slices.SortStableFunc(matches, less)

	result := &SearchResult{
		Packages:   []*models.MicroAppPackage{},
		TotalCount: len(matches),
		Facets:     facetsOf(matches),
		Limit:      limit,
		Offset:     offset,
	}

	if offset < len(matches) {
		end := min(offset+limit, len(matches))
		result.Packages = matches[offset:end]
		result.HasMore = end < len(matches)
	}

	return result, nil
}

func facetsOf(packages []*models.MicroAppPackage) Facets {
	facets := Facets{
		Categories: map[string]int{},
		Licenses:   map[string]int{},
		Authors:    map[string]int{},
	}

	for _, pkg := range packages {
		facets.Categories[facetKey(pkg.Category)]++
		facets.Licenses[facetKey(pkg.Manifest.License)]++
		facets.Authors[facetKey(pkg.Manifest.Author)]++
	}

	return facets
}

func facetKey(value string) string {
	if strings.TrimSpace(value) == "" {
		return unknownFacet
	}

	return value
}

type packageOrder func(a, b *models.MicroAppPackage) int

// sorter orders descending on the selected field, then by name so pages are stable.
func sorter(option SortOption) (packageOrder, error) {
	var primary packageOrder

	switch option {
	case "", SortRelevance:
		primary = func(a, b *models.MicroAppPackage) int {
			return cmp.Or(cmp.Compare(b.QualityScore, a.QualityScore), cmp.Compare(b.TotalDownloads, a.TotalDownloads))
		}
	case SortDownloads:
		primary = func(a, b *models.MicroAppPackage) int { return cmp.Compare(b.TotalDownloads, a.TotalDownloads) }
	case SortRating:
		primary = func(a, b *models.MicroAppPackage) int { return cmp.Compare(b.Rating, a.Rating) }
	case SortUpdated:
		primary = func(a, b *models.MicroAppPackage) int { return b.UpdatedAt.Compare(a.UpdatedAt) }
	case SortCreated:
		primary = func(a, b *models.MicroAppPackage) int { return b.CreatedAt.Compare(a.CreatedAt) }
	default:
		return nil, invalidRequest("", fmt.Sprintf("unknown sort option %q", option))
	}

	return func(a, b *models.MicroAppPackage) int {
		return cmp.Or(primary(a, b), cmp.Compare(a.PackageName, b.PackageName))
	}, nil
}
