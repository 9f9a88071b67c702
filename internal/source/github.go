package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/seanblong/repolens/pkg/models"
)

const (
	defaultAPIURL      = "https://api.github.com"
	defaultConcurrency = 8
)

// GitHub reads repositories through the GitHub REST API.
type GitHub struct {
	BaseURL      string
	Token        string
	MaxFiles     int
	MaxFileBytes int
	Concurrency  int
	HTTP         *http.Client
}

// Overview is what diagram generation needs from a repository.
type Overview struct {
	DefaultBranch string
	FileTree      string
	Readme        string
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

// NewGitHub creates a GitHub source. token is used when the request context
// carries none.
func NewGitHub(token string, maxFiles int) *GitHub {
	return &GitHub{
		BaseURL:      defaultAPIURL,
		Token:        token,
		MaxFiles:     maxFiles,
		MaxFileBytes: DefaultMaxFileBytes,
		Concurrency:  defaultConcurrency,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
	}
}

// DefaultBranch returns the repository's default branch.
func (g *GitHub) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := g.getJSON(ctx, repoPath(owner, repo), &out); err != nil {
		return "", err
	}
	if out.DefaultBranch == "" {
		return "", fmt.Errorf("%w: no default branch for %s/%s", models.ErrNotFound, owner, repo)
	}
	return out.DefaultBranch, nil
}

// FileTree returns the filtered paths of the default branch, one per line.
func (g *GitHub) FileTree(ctx context.Context, owner, repo string) (string, error) {
	_, entries, err := g.tree(ctx, owner, repo)
	if err != nil {
		return "", err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if !Skip(e.Path) {
			paths = append(paths, e.Path)
		}
	}
	return strings.Join(paths, "\n"), nil
}

// Readme returns the raw README, or "" when the repository has none.
func (g *GitHub) Readme(ctx context.Context, owner, repo string) (string, error) {
	body, err := g.getRaw(ctx, repoPath(owner, repo)+"/readme")
	if errors.Is(err, models.ErrNotFound) {
		return "", nil
	}
	return body, err
}

// Overview fetches default branch, file tree and README in one go.
func (g *GitHub) Overview(ctx context.Context, owner, repo string) (Overview, error) {
	branch, entries, err := g.tree(ctx, owner, repo)
	if err != nil {
		return Overview{}, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if !Skip(e.Path) {
			paths = append(paths, e.Path)
		}
	}
	readme, err := g.Readme(ctx, owner, repo)
	if err != nil {
		return Overview{}, err
	}
	return Overview{DefaultBranch: branch, FileTree: strings.Join(paths, "\n"), Readme: readme}, nil
}

// ListFiles fetches up to MaxFiles text files, most informative first:
// root-level manifests and docs, then shallower paths.
func (g *GitHub) ListFiles(ctx context.Context, repoID string) ([]models.File, error) {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return nil, err
	}
	branch, entries, err := g.tree(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	var blobs []treeEntry
	for _, e := range entries {
		if e.Type != "blob" || Skip(e.Path) {
			continue
		}
		if g.MaxFileBytes > 0 && e.Size > g.MaxFileBytes {
			continue
		}
		blobs = append(blobs, e)
	}
	sort.SliceStable(blobs, func(i, j int) bool { return lessImportant(blobs[i].Path, blobs[j].Path) })
	if g.MaxFiles > 0 && len(blobs) > g.MaxFiles {
		blobs = blobs[:g.MaxFiles]
	}

	results := make([]*models.File, len(blobs))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(g.Concurrency, 1))
	for i, b := range blobs {
		eg.Go(func() error {
			content, err := g.getRaw(egctx, contentsPath(owner, repo, b.Path, branch))
			if errors.Is(err, models.ErrNotFound) {
				log.Warn().Str("path", b.Path).Msg("file vanished from tree")
				return nil
			}
			if err != nil {
				return err
			}
			if !isText([]byte(content), g.MaxFileBytes) {
				return nil
			}
			results[i] = &models.File{Path: b.Path, Content: content}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	files := make([]models.File, 0, len(results))
	for _, f := range results {
		if f != nil {
			files = append(files, *f)
		}
	}
	return files, nil
}

// ReadFile returns one file of the default branch.
func (g *GitHub) ReadFile(ctx context.Context, repoID, p string) (string, error) {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return "", err
	}
	branch, err := g.DefaultBranch(ctx, owner, repo)
	if err != nil {
		return "", err
	}
	return g.getRaw(ctx, contentsPath(owner, repo, p, branch))
}

// tree lists the recursive tree of the default branch, falling back to
// main and master when the default branch cannot be resolved.
func (g *GitHub) tree(ctx context.Context, owner, repo string) (string, []treeEntry, error) {
	candidates := []string{"main", "master"}
	branch, err := g.DefaultBranch(ctx, owner, repo)
	switch {
	case err == nil:
		candidates = append([]string{branch}, candidates...)
	case !errors.Is(err, models.ErrNotFound):
		return "", nil, err
	}

	seen := map[string]bool{}
	for _, b := range candidates {
		if seen[b] {
			continue
		}
		seen[b] = true

		var out struct {
			Tree      []treeEntry `json:"tree"`
			Truncated bool        `json:"truncated"`
		}
		err := g.getJSON(ctx, repoPath(owner, repo)+"/git/trees/"+url.PathEscape(b)+"?recursive=1", &out)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		if out.Truncated {
			log.Warn().Str("repo", owner+"/"+repo).Msg("github tree listing truncated")
		}
		return b, out.Tree, nil
	}
	return "", nil, fmt.Errorf("%w: could not fetch file tree for %s/%s; the repository may not exist, be empty or private", models.ErrNotFound, owner, repo)
}

func (g *GitHub) getJSON(ctx context.Context, p string, v any) error {
	resp, err := g.do(ctx, p, "application/vnd.github+json")
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode github response: %v", models.ErrUpstreamUnavailable, err)
	}
	return nil
}

func (g *GitHub) getRaw(ctx context.Context, p string) (string, error) {
	resp, err := g.do(ctx, p, "application/vnd.github.raw")
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	limit := int64(g.MaxFileBytes)
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return "", fmt.Errorf("%w: read github response: %v", models.ErrUpstreamUnavailable, err)
	}
	return string(b), nil
}

func (g *GitHub) do(ctx context.Context, p, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(g.BaseURL, "/")+p, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	token := accessToken(ctx)
	if token == "" {
		token = g.Token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := g.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: github request failed: %v", models.ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		closeBody(resp)
		return nil, fmt.Errorf("%w: github %s", models.ErrNotFound, p)
	case resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"):
		closeBody(resp)
		return nil, fmt.Errorf("%w: github rate limited", models.ErrUpstreamUnavailable)
	default:
		closeBody(resp)
		return nil, fmt.Errorf("%w: github returned %s", models.ErrUpstreamUnavailable, resp.Status)
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close response body")
	}
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

func contentsPath(owner, repo, p, ref string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return repoPath(owner, repo) + "/contents/" + strings.Join(segs, "/") + "?ref=" + url.QueryEscape(ref)
}

var keyFiles = map[string]bool{
	"readme.md": true, "go.mod": true, "package.json": true, "pyproject.toml": true,
	"requirements.txt": true, "setup.py": true, "cargo.toml": true, "pom.xml": true,
	"build.gradle": true, "dockerfile": true, "makefile": true, "docker-compose.yml": true,
}

// lessImportant orders key root files first, then by depth, then by path.
func lessImportant(a, b string) bool {
	ka, kb := keyFiles[strings.ToLower(a)], keyFiles[strings.ToLower(b)]
	if ka != kb {
		return ka
	}
	da, db := strings.Count(a, "/"), strings.Count(b, "/")
	if da != db {
		return da < db
	}
	return path.Clean(a) < path.Clean(b)
}
