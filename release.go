package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/AsaiYusuke/jsonpath"
	"github.com/Masterminds/semver/v3"
)

// archiveVersionPattern matches the version embedded in TRUD archive names,
// e.g. nhsbsa_dmd_10.1.0_20251013000001.zip.
var archiveVersionPattern = regexp.MustCompile(`_(\d+\.\d+\.\d+)_(\d+)\.zip$`)

// SelectRelease resolves query to a single release of the item.
// The query is either "latest", an exact release id, or a semver constraint on
// the version embedded in the archive file name.
func SelectRelease(ctx context.Context, client *TRUDClient, itemID string, query string) (Release, error) {
	query = strings.TrimSpace(query)
	if query == "" || query == "latest" {
		releases, err := client.ListReleases(ctx, itemID, true)
		if err != nil {
			return Release{}, fmt.Errorf("list releases: %w", err)
		}
		if len(releases) == 0 {
			return Release{}, fmt.Errorf("%w: no releases found for item %s", ErrNetwork, itemID)
		}
		return releases[0], nil
	}

	env, body, err := client.releaseDocument(ctx, itemID, false)
	if err != nil {
		return Release{}, fmt.Errorf("list releases: %w", err)
	}

	if rel, ok := FindReleaseByID(body, query); ok {
		return rel, nil
	}
	return FindLatestRelease(env.Releases, query)
}

// FindReleaseByID looks up the release with the given id in a raw release
// listing document.
func FindReleaseByID(doc []byte, id string) (Release, bool) {
	if strings.ContainsAny(id, `'\`) {
		return Release{}, false
	}

	var src any
	if err := json.Unmarshal(doc, &src); err != nil {
		return Release{}, false
	}

	path := fmt.Sprintf("$.releases[?(@.id=='%s')]", id)
	results, err := jsonpath.Retrieve(path, src)
	if err != nil {
		// no member matched
		slog.Debug("release id lookup", "id", id, "error", err)
		return Release{}, false
	}
	if len(results) == 0 {
		return Release{}, false
	}

	data, err := json.Marshal(results[0])
	if err != nil {
		return Release{}, false
	}
	var rel Release
	if err := json.Unmarshal(data, &rel); err != nil {
		return Release{}, false
	}
	return rel, true
}

// FindLatestRelease returns the release with the highest archive version that
// satisfies the constraints in query.
func FindLatestRelease(releases []Release, query string) (Release, error) {
	if query == "" || query == "latest" {
		query = "*"
	}
	constraints, err := semver.NewConstraint(query)
	if err != nil {
		return Release{}, fmt.Errorf("%w: no release matching %q", ErrNetwork, query)
	}

	type candidate struct {
		release Release
		version *semver.Version
		stamp   string
	}
	var candidates []candidate
	for _, rel := range releases {
		v, stamp, ok := archiveVersion(rel.ArchiveFileName)
		if !ok || !constraints.Check(v) {
			continue
		}
		candidates = append(candidates, candidate{release: rel, version: v, stamp: stamp})
	}
	if len(candidates) == 0 {
		return Release{}, fmt.Errorf("%w: no release matching %q", ErrNetwork, query)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if c := candidates[i].version.Compare(candidates[j].version); c != 0 {
			return c > 0
		}
		if candidates[i].stamp != candidates[j].stamp {
			return candidates[i].stamp > candidates[j].stamp
		}
		return candidates[i].release.ReleaseDate > candidates[j].release.ReleaseDate
	})
	return candidates[0].release, nil
}

func archiveVersion(name string) (*semver.Version, string, bool) {
	m := archiveVersionPattern.FindStringSubmatch(name)
	if m == nil {
		return nil, "", false
	}
	v, err := semver.NewVersion(m[1])
	if err != nil {
		return nil, "", false
	}
	return v, m[2], true
}
