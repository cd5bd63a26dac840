package database

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// SortVersions orders versions ascending by semantic version. Entries that
// do not parse sort first, by string.
func SortVersions(versions []*PackageVersion) {
	parsed := make(map[string]*semver.Version, len(versions))
	for _, v := range versions {
		if sv, err := semver.StrictNewVersion(v.Version); err == nil {
			parsed[v.Version] = sv
		}
	}

	sort.SliceStable(versions, func(i, j int) bool {
		a, b := parsed[versions[i].Version], parsed[versions[j].Version]
		switch {
		case a == nil && b == nil:
			return versions[i].Version < versions[j].Version
		case a == nil:
			return true
		case b == nil:
			return false
		}
		return a.LessThan(b)
	})
}

// Latest picks the version clients should resolve by default: the highest
// stable, non-retracted version, falling back to the highest non-retracted
// prerelease, then to the highest version of any kind.
func Latest(versions []*PackageVersion) *PackageVersion {
	if len(versions) == 0 {
		return nil
	}

	sorted := make([]*PackageVersion, len(versions))
	copy(sorted, versions)
	SortVersions(sorted)

	var prerelease *PackageVersion
	for i := len(sorted) - 1; i >= 0; i-- {
		v := sorted[i]
		if v.IsRetracted {
			continue
		}
		sv, err := semver.StrictNewVersion(v.Version)
		if err != nil {
			continue
		}
		if sv.Prerelease() == "" {
			return v
		}
		if prerelease == nil {
			prerelease = v
		}
	}
	if prerelease != nil {
		return prerelease
	}
	return sorted[len(sorted)-1]
}
