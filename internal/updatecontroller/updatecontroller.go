// Package updatecontroller consults an external release registry
// (GitHub Releases, as JSON) to decide when agents and the collector
// itself are out of date, and drives the push side of an update: C8.
package updatecontroller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"computerdash/internal/fleet"
	"computerdash/internal/updater"
	"computerdash/internal/version"
	"computerdash/internal/wire"
)

const (
	checkInterval = 15 * time.Minute
	cacheDuration = 15 * time.Minute
	pushTimeout   = 10 * time.Second
	apiTimeout    = 15 * time.Second
	downloadLimit = 120 * time.Second
)

var cacheBucket = []byte("release_cache")

const cacheKey = "latest"

// Release mirrors the subset of the GitHub Releases API this system
// reads.
type Release struct {
	TagName    string  `json:"tag_name"`
	Name       string  `json:"name"`
	Prerelease bool    `json:"prerelease"`
	Assets     []Asset `json:"assets"`
}

// Asset is a single downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int    `json:"size"`
}

type cacheEntry struct {
	Version   string    `json:"version"`
	Release   Release   `json:"release"`
	CachedAt  time.Time `json:"cachedAt"`
}

// Failure categories for PushUpdateToAgent.
var (
	ErrTimeout      = errors.New("updatecontroller: push timed out")
	ErrCancelled    = errors.New("updatecontroller: push cancelled")
	ErrGithubAPI    = errors.New("updatecontroller: release registry request failed")
	ErrSelfOutdated = errors.New("updatecontroller: refusing to push, this collector is out of date")
)

// AgentRejectedError wraps a non-200 response from an agent's /update
// endpoint.
type AgentRejectedError struct{ Detail string }

func (e *AgentRejectedError) Error() string {
	return fmt.Sprintf("updatecontroller: agent rejected update: %s", e.Detail)
}

// Controller checks a GitHub-Releases-shaped registry for updates and
// drives pushes to agents and to the collector's own bundle.
type Controller struct {
	owner, repo    string
	currentVersion string

	httpClient *http.Client
	apiBaseURL string // overridable in tests; defaults to the real GitHub API
	db         *bolt.DB
	log        zerolog.Logger

	mu            sync.Mutex
	latestVersion *version.Semantic
	latestRelease *Release
	lastCheck     time.Time
}

// New opens the on-disk release cache at dbPath and builds a Controller
// for owner/repo, reporting currentVersion as this collector's own
// version for the self-update gate.
func New(dbPath, owner, repo, currentVersion string, log zerolog.Logger) (*Controller, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening release cache %s: %w", dbPath, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating release cache bucket: %w", err)
	}

	c := &Controller{
		owner:          owner,
		repo:           repo,
		currentVersion: currentVersion,
		httpClient:     &http.Client{Timeout: apiTimeout},
		apiBaseURL:     "https://api.github.com",
		db:             db,
		log:            log,
	}
	c.loadCache()
	return c, nil
}

// Close closes the underlying release cache database.
func (c *Controller) Close() error {
	return c.db.Close()
}

func (c *Controller) loadCache() {
	var entry cacheEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(cacheBucket).Get([]byte(cacheKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil || entry.Version == "" {
		return
	}

	v, ok := version.Parse(entry.Version)
	if !ok {
		return
	}
	c.latestVersion = &v
	release := entry.Release
	c.latestRelease = &release
	c.lastCheck = entry.CachedAt
}

func (c *Controller) saveCache() {
	if c.latestVersion == nil || c.latestRelease == nil {
		return
	}
	entry := cacheEntry{
		Version:  c.latestVersion.String(),
		Release:  *c.latestRelease,
		CachedAt: c.lastCheck,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(cacheKey), data)
	}); err != nil {
		c.log.Warn().Err(err).Msg("Failed to persist release cache")
	}
}

// StartPeriodicChecks runs CheckForUpdate at startup and every 15
// minutes thereafter. Blocks until ctx is cancelled.
func (c *Controller) StartPeriodicChecks(ctx context.Context) {
	c.CheckForUpdate(ctx)

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckForUpdate(ctx)
		}
	}
}

// CheckForUpdate refreshes the cached latest-release data if it is
// stale (older than 15 minutes).
func (c *Controller) CheckForUpdate(ctx context.Context) error {
	c.mu.Lock()
	stale := c.lastCheck.IsZero() || time.Since(c.lastCheck) >= cacheDuration
	c.mu.Unlock()
	if !stale {
		return nil
	}
	return c.refresh(ctx)
}

// ForceCheck invalidates the cache and refreshes immediately.
func (c *Controller) ForceCheck(ctx context.Context) error {
	c.mu.Lock()
	c.lastCheck = time.Time{}
	c.mu.Unlock()
	return c.refresh(ctx)
}

func (c *Controller) refresh(ctx context.Context) error {
	releases, err := c.fetchReleases(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Release check failed")
		return err
	}

	var best *Release
	var bestVersion *version.Semantic
	for i := range releases {
		v, ok := version.Parse(releases[i].TagName)
		if !ok {
			continue
		}
		if bestVersion == nil || v.GreaterThan(*bestVersion) {
			best = &releases[i]
			bestVersion = &v
		}
	}

	c.mu.Lock()
	c.lastCheck = time.Now()
	if best != nil && bestVersion != nil {
		c.latestVersion = bestVersion
		c.latestRelease = best
	}
	c.saveCache()
	c.mu.Unlock()
	return nil
}

func (c *Controller) fetchReleases(ctx context.Context) ([]Release, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases", c.apiBaseURL, c.owner, c.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGithubAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrGithubAPI, resp.StatusCode)
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrGithubAPI, err)
	}
	return releases, nil
}

// AgentNeedsUpdate reports whether the cached latest version is greater
// than agentVersion. A missing or unparseable version conservatively
// returns false.
func (c *Controller) AgentNeedsUpdate(agentVersion string) bool {
	c.mu.Lock()
	latest := c.latestVersion
	c.mu.Unlock()
	if latest == nil {
		return false
	}

	current, ok := version.Parse(agentVersion)
	if !ok {
		return false
	}
	return latest.GreaterThan(current)
}

// selfOutOfDate reports whether this collector's own version trails the
// cached latest version.
func (c *Controller) selfOutOfDate() bool {
	c.mu.Lock()
	latest := c.latestVersion
	c.mu.Unlock()
	if latest == nil {
		return false
	}
	current, ok := version.Parse(c.currentVersion)
	if !ok {
		return false
	}
	return latest.GreaterThan(current)
}

// PushUpdateToAgent opens a TCP connection to endpoint and sends a
// trigger POST /update (empty body), requiring a 200 within 10 seconds.
// Refuses if this collector is itself out of date, so an old dashboard
// can never downgrade the fleet.
func (c *Controller) PushUpdateToAgent(ctx context.Context, endpoint string) error {
	if c.selfOutOfDate() {
		return ErrSelfOutdated
	}

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return classifyContextErr(ctx.Err())
		}
		return fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	if _, err := conn.Write(wire.BuildRequest("POST", "/update", nil, "")); err != nil {
		return classifyIOErr(ctx, err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return classifyIOErr(ctx, err)
	}

	status, ok := parseStatusLine(buf[:n])
	if !ok {
		return &AgentRejectedError{Detail: "malformed response"}
	}
	if status != http.StatusOK {
		return &AgentRejectedError{Detail: fmt.Sprintf("status %d", status)}
	}
	return nil
}

func classifyContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}

func classifyIOErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return classifyContextErr(ctx.Err())
	}
	return fmt.Errorf("push failed: %w", err)
}

func parseStatusLine(data []byte) (int, bool) {
	idx := strings.Index(string(data), "\r\n")
	line := string(data)
	if idx >= 0 {
		line = string(data[:idx])
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	var status int
	if _, err := fmt.Sscanf(fields[1], "%d", &status); err != nil {
		return 0, false
	}
	return status, true
}

// UpdateDashboard fetches this collector's own release archive and
// hands it to the Updater to apply against the running installation.
func (c *Controller) UpdateDashboard(ctx context.Context, upd *updater.Updater) error {
	c.mu.Lock()
	release := c.latestRelease
	c.mu.Unlock()
	if release == nil {
		return fmt.Errorf("no cached release to install")
	}

	asset := findAsset(release.Assets, "collector")
	if asset == nil {
		return fmt.Errorf("no collector asset in release %s", release.TagName)
	}

	archive, err := c.downloadAsset(ctx, asset.BrowserDownloadURL)
	if err != nil {
		return err
	}
	return upd.Apply(archive)
}

func findAsset(assets []Asset, marker string) *Asset {
	for i := range assets {
		lower := strings.ToLower(assets[i].Name)
		if strings.Contains(lower, marker) && strings.HasSuffix(lower, ".zip") {
			return &assets[i]
		}
	}
	return nil
}

func (c *Controller) downloadAsset(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadLimit)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGithubAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download status %d", ErrGithubAPI, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UpdateAll spawns one push task per outdated, online agent in f,
// concurrently, and waits for all of them to finish. Per-agent results
// land in each FleetEntry's LastError (empty string on success).
func (c *Controller) UpdateAll(ctx context.Context, f *fleet.Fleet) {
	entries := f.Snapshot()

	var wg sync.WaitGroup
	for _, entry := range entries {
		if !entry.IsOnline || entry.LatestStatus == nil {
			continue
		}
		if !c.AgentNeedsUpdate(entry.LatestStatus.AgentVersion) {
			continue
		}

		uuid := entry.Identity.HardwareUUID
		endpoint, ok := f.ResolveEndpoint(uuid)
		if !ok {
			continue
		}

		wg.Add(1)
		go func(uuid, endpoint string) {
			defer wg.Done()
			err := c.PushUpdateToAgent(ctx, endpoint)
			if err != nil {
				f.SetLastError(uuid, err.Error())
				return
			}
			f.SetLastError(uuid, "")
			c.log.Info().Str("hardwareUUID", uuid).Msg("Update pushed")
		}(uuid, endpoint)
	}
	wg.Wait()
}
