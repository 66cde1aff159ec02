// Package versioncheck warns when a newer release of the CLI is available.
// The check is best effort: it must never fail or slow down the command the
// user actually ran.
package versioncheck

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/version"
)

// endpoint is overridden in unit tests.
var endpoint = "https://update.chorusdata.io/dsync/latest"

var httpClient = &http.Client{Timeout: 3 * time.Second}

// CheckForUpdates compares the running binary against the latest published
// release and warns if it's behind. Problems with the check itself are only
// logged at debug level.
func CheckForUpdates() {
	if version.Version == version.EmptyValue {
		// Development builds have nothing meaningful to compare.
		return
	}

	latest, err := fetchLatest()
	if err != nil {
		log.WithError(err).Debug("Failed to check for updates")
		return
	}

	outdated, err := isOutdated(version.Version, latest)
	if err != nil {
		log.WithError(err).Debug("Failed to compare versions")
		return
	}

	if outdated {
		log.Warnf("A newer dsync release (%s) is available. You're running %s.",
			latest, version.Version)
	}
}

func fetchLatest() (string, error) {
	resp, err := httpClient.Get(endpoint)
	if err != nil {
		return "", errors.WithContext(err, "fetch latest release")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("release endpoint returned %s", resp.Status)
	}

	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.WithContext(err, "parse release info")
	}
	return body.Version, nil
}

func isOutdated(current, latest string) (bool, error) {
	currentVersion, err := goversion.NewVersion(current)
	if err != nil {
		return false, errors.WithContext(err, "parse current version")
	}

	latestVersion, err := goversion.NewVersion(latest)
	if err != nil {
		return false, errors.WithContext(err, "parse latest version")
	}

	return currentVersion.LessThan(latestVersion), nil
}
