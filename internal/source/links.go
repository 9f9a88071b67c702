package source

import (
	"regexp"
	"strings"
)

var clickPattern = regexp.MustCompile(`click ([^\s"]+)\s+"([^"]+)"`)

// LinkClickEvents rewrites Mermaid `click Node "path"` targets into GitHub
// URLs. A last path segment containing a dot is treated as a file (blob),
// anything else as a directory (tree). Absolute URLs are left alone.
func LinkClickEvents(diagram, owner, repo, branch string) string {
	base := "https://github.com/" + owner + "/" + repo
	return clickPattern.ReplaceAllStringFunc(diagram, func(m string) string {
		sub := clickPattern.FindStringSubmatch(m)
		node, target := sub[1], strings.Trim(sub[2], `"'`)
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			return m
		}
		target = strings.Trim(target, "/")
		segs := strings.Split(target, "/")
		kind := "tree"
		if strings.Contains(segs[len(segs)-1], ".") {
			kind = "blob"
		}
		return `click ` + node + ` "` + base + "/" + kind + "/" + branch + "/" + target + `"`
	})
}
