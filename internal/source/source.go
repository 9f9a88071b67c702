// Package source reads repository snapshots from a local checkout or GitHub.
package source

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/seanblong/repolens/pkg/models"
)

// Source lists and reads the files of a repository. repoID is "owner/repo"
// for GitHub and ignored by LocalSource.
type Source interface {
	ListFiles(ctx context.Context, repoID string) ([]models.File, error)
	ReadFile(ctx context.Context, repoID, path string) (string, error)
}

type tokenKey struct{}

// WithAccessToken attaches a per-request GitHub token to ctx.
func WithAccessToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenKey{}, token)
}

func accessToken(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey{}).(string)
	return t
}

var skipDirs = []string{
	"/vendor/", "/.git/", "/.terraform/", "/node_modules/", "/target/", "/build/",
	"/dist/", "/out/", "/bin/", "/obj/", "/.venv/", "/venv/", "/__pycache__/",
	"/.pytest_cache/", "/.gradle/", "/.m2/", "/.idea/", "/.vscode/", "/coverage/",
	"/.cache/", "/.tmp/",
}

var skipExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true, ".webp": true,
	".svg": true, ".pdf": true, ".zip": true, ".exe": true, ".dll": true, ".so": true,
	".pyc": true, ".pyo": true, ".pyd": true, ".class": true, ".ttf": true, ".woff": true,
	".woff2": true, ".lock": true, ".sum": true, ".log": true,
}

var skipNames = map[string]bool{
	"yarn.lock": true, "poetry.lock": true, "package-lock.json": true, "pnpm-lock.yaml": true,
}

// Skip reports whether a repository-relative or absolute path is generated,
// vendored or binary content that should not be read.
func Skip(p string) bool {
	lp := normalize(p)
	if inSkippedDir(lp) {
		return true
	}
	base := path.Base(lp)
	if skipNames[base] || strings.Contains(base, ".min.") {
		return true
	}
	return skipExts[path.Ext(base)]
}

// SkipDir reports whether a directory and everything below it is skipped.
func SkipDir(dir string) bool {
	return inSkippedDir(strings.TrimSuffix(normalize(dir), "/") + "/")
}

func normalize(p string) string {
	return "/" + strings.TrimPrefix(strings.ToLower(strings.ReplaceAll(p, "\\", "/")), "/")
}

func inSkippedDir(lp string) bool {
	for _, d := range skipDirs {
		if strings.Contains(lp, d) {
			return true
		}
	}
	return false
}

// splitRepoID parses "owner/repo".
func splitRepoID(repoID string) (string, string, error) {
	owner, repo, ok := strings.Cut(strings.Trim(repoID, "/"), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("%w: expected owner/repo, got %q", models.ErrInvalidInput, repoID)
	}
	return owner, repo, nil
}
