package persistence

import (
	"slices"
	"strings"

	"github.com/dukex/microapps/pkg/models"
)

// Matches reports whether pkg satisfies every filter of q. Stores that filter in
// memory use it directly; SQL stores must keep the same semantics.
func (q PackageQuery) Matches(pkg *models.MicroAppPackage) bool {
	if q.Status != "" && pkg.Status != q.Status {
		return false
	}

	if q.Category != "" && !strings.EqualFold(pkg.Category, q.Category) {
		return false
	}

	if q.Brand != "" && !slices.Contains(pkg.CompatibleBrands, q.Brand) {
		return false
	}

	if q.Author != "" && pkg.Manifest.Author != q.Author {
		return false
	}

	if q.IsTemplate != nil && pkg.IsTemplate != *q.IsTemplate {
		return false
	}

	if q.IsFeatured != nil && pkg.IsFeatured != *q.IsFeatured {
		return false
	}

	if pkg.QualityScore < q.MinQualityScore {
		return false
	}

	if len(q.Licenses) > 0 && !slices.Contains(q.Licenses, pkg.Manifest.License) {
		return false
	}

	for _, tag := range q.Tags {
		if !slices.Contains(pkg.Tags, tag) {
			return false
		}
	}

	return q.Query == "" || matchesText(pkg, strings.ToLower(q.Query))
}

func matchesText(pkg *models.MicroAppPackage, needle string) bool {
	if strings.Contains(strings.ToLower(pkg.PackageName), needle) ||
		strings.Contains(strings.ToLower(pkg.DisplayName), needle) ||
		strings.Contains(strings.ToLower(pkg.Description), needle) {
		return true
	}

	return slices.ContainsFunc(pkg.Tags, func(tag string) bool {
		return strings.Contains(strings.ToLower(tag), needle)
	})
}
