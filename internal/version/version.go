// Package version provides version information and update checking.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Version is the release of dap-proxy, set with -ldflags "-X".
var Version = "0.2.0"

const (
	// GitHubRepo is the repository path
	GitHubRepo = "ctagard/dap-proxy"

	// GitHubAPIURL is the GitHub API endpoint for latest release
	GitHubAPIURL = "https://api.github.com/repos/%s/releases/latest"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the build information of the running binary.
func Get() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				info.Commit = s.Value
			}
		}
	}
	return info
}

func (b BuildInfo) String() string {
	s := fmt.Sprintf("dap-proxy %s (%s, %s)", b.Version, b.GoVersion, b.Platform)
	if b.Commit != "" {
		s += " commit " + truncateString(b.Commit, 12)
	}
	return s
}

// UpdateInfo contains information about available updates
type UpdateInfo struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	ReleaseNotes    string    `json:"release_notes,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// UpdateMessage returns a human-readable message about the update
func (u *UpdateInfo) UpdateMessage() string {
	if !u.UpdateAvailable {
		return ""
	}
	return fmt.Sprintf("A new version of dap-proxy is available: v%s (current: v%s). See %s",
		u.LatestVersion, u.CurrentVersion, u.ReleaseURL)
}

// Checker queries the latest release.
type Checker struct {
	// URL is the release endpoint. Defaults to the GitHub API.
	URL    string
	Client *http.Client
}

// NewChecker creates a new version checker
func NewChecker() *Checker {
	return &Checker{
		URL:    fmt.Sprintf(GitHubAPIURL, GitHubRepo),
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// githubRelease represents the GitHub API response for a release
type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
	Body    string `json:"body"`
}

// CheckForUpdates compares Version with the latest release.
func (c *Checker) CheckForUpdates(ctx context.Context) (*UpdateInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "dap-proxy/"+Version)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check for updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release endpoint returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	return &UpdateInfo{
		CurrentVersion:  Version,
		LatestVersion:   latest,
		UpdateAvailable: compareVersions(Version, latest) < 0,
		ReleaseURL:      release.HTMLURL,
		ReleaseNotes:    truncateString(release.Body, 500),
		CheckedAt:       time.Now(),
	}, nil
}

// compareVersions compares two semver strings, with or without a leading v.
// Invalid versions sort before valid ones.
func compareVersions(v1, v2 string) int {
	return semver.Compare(canonical(v1), canonical(v2))
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
