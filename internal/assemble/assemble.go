// Package assemble merges the selected file, retrieved chunks and literal
// matches into one context string that fits a token budget.
package assemble

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/seanblong/repolens/internal/tokens"
	"github.com/seanblong/repolens/pkg/models"
)

const (
	DefaultMaxTokens = 8000

	// TruncationMarker ends a section that was cut to fit the budget.
	TruncationMarker = "\n\n[content truncated]"

	sectionSeparator = "\n\n"
	chunkSeparator   = "\n---\n"

	snippetRadius       = 500
	snippetsPerFile     = 3
	maxDirectMatchFiles = 2

	// A lower-priority section is cut only if this much budget is left.
	minPartialTokens = 100
)

// Input is everything one assembly needs.
type Input struct {
	Question     string
	Files        []models.File
	SelectedPath string
	Retrieved    []models.RetrievalResult
	MaxTokens    int
}

// Section is one labelled candidate block in priority order.
type Section struct {
	Label    models.SectionLabel
	Text     string
	Priority int
}

// Result is the assembled context and what went into it.
type Result struct {
	Context string
	Tokens  int
	// Candidates counts the sections built before the budget was applied.
	Candidates int
	Sections   []models.SectionLabel
	Truncated  bool
}

type Assembler struct {
	Counter tokens.Counter
}

func New(counter tokens.Counter) *Assembler {
	return &Assembler{Counter: counter}
}

// Assemble builds the candidate sections for in and fits them to
// in.MaxTokens. Identical inputs produce byte-identical output.
func (a *Assembler) Assemble(in Input) Result {
	limit := in.MaxTokens
	if limit <= 0 {
		limit = DefaultMaxTokens
	}
	sections := Sections(in)
	res := a.Fit(sections, limit)
	res.Candidates = len(sections)
	return res
}

// Sections returns the non-empty candidate sections ordered by priority.
func Sections(in Input) []Section {
	var out []Section

	if f, ok := selectedFile(in.Files, in.SelectedPath); ok {
		out = append(out, Section{
			Label:    models.SectionSelectedFile,
			Text:     "SELECTED FILE (" + f.Path + "):\n" + f.Content,
			Priority: 1,
		})
	}

	if len(in.Retrieved) > 0 {
		texts := make([]string, len(in.Retrieved))
		for i, r := range in.Retrieved {
			texts[i] = r.ChunkText
		}
		out = append(out, Section{
			Label:    models.SectionVectorChunks,
			Text:     "RELEVANT CODE CHUNKS:\n" + strings.Join(texts, chunkSeparator),
			Priority: 2,
		})
	}

	if matches := DirectMatches(in.Question, in.Files, in.SelectedPath); len(matches) > 0 {
		out = append(out, Section{
			Label:    models.SectionDirectMatches,
			Text:     "DIRECT MATCHES:\n" + strings.Join(matches, chunkSeparator),
			Priority: 3,
		})
	}
	return out
}

func selectedFile(files []models.File, path string) (models.File, bool) {
	if path == "" {
		return models.File{}, false
	}
	for _, f := range files {
		if f.Path == path {
			return f, f.Content != ""
		}
	}
	return models.File{}, false
}

// DirectMatches returns "From <path>:\n<snippet>" entries for files other
// than the selected one that contain question case-insensitively. At most
// two files contribute, each with at most three snippets.
func DirectMatches(question string, files []models.File, selectedPath string) []string {
	if strings.TrimSpace(question) == "" {
		return nil
	}
	pattern := regexp.MustCompile("(?i)" + regexp.QuoteMeta(question))

	var out []string
	contributed := 0
	for _, f := range files {
		if f.Path == selectedPath {
			continue
		}
		snippets := Snippets(f.Content, pattern)
		if len(snippets) == 0 {
			continue
		}
		for _, s := range snippets {
			out = append(out, "From "+f.Path+":\n"+s)
		}
		contributed++
		if contributed >= maxDirectMatchFiles {
			break
		}
	}
	return out
}

// Snippets cuts up to three windows of snippetRadius bytes on either side
// of each match. A window that stops short of the content's start or end
// is marked with "...".
func Snippets(content string, pattern *regexp.Regexp) []string {
	locs := pattern.FindAllStringIndex(content, snippetsPerFile)
	out := make([]string, 0, len(locs))
	for _, loc := range locs {
		start := runeStart(content, max(0, loc[0]-snippetRadius))
		end := runeStart(content, min(len(content), loc[1]+snippetRadius))

		snippet := content[start:end]
		if start > 0 {
			snippet = "..." + snippet
		}
		if end < len(content) {
			snippet += "..."
		}
		out = append(out, snippet)
	}
	return out
}

// runeStart moves i forward to the next rune boundary.
func runeStart(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// Fit keeps whole sections in order while the joined text stays within
// maxTokens. The first section that overflows is cut to the remaining
// allowance and marked, and everything after it is dropped.
func (a *Assembler) Fit(sections []Section, maxTokens int) Result {
	var res Result
	var parts []string

	for i, s := range sections {
		candidate := join(parts, s.Text)
		if n := a.Counter.Count(candidate); n <= maxTokens {
			parts = append(parts, s.Text)
			res.Sections = append(res.Sections, s.Label)
			res.Tokens = n
			continue
		}

		remaining := maxTokens - res.Tokens
		if i > 0 && remaining < minPartialTokens {
			res.Truncated = true
			break
		}
		if cut, n, ok := a.cut(parts, s.Text, maxTokens, remaining); ok {
			parts = append(parts, cut)
			res.Sections = append(res.Sections, s.Label)
			res.Tokens = n
		}
		res.Truncated = true
		break
	}

	res.Context = strings.Join(parts, sectionSeparator)
	return res
}

// cut finds the longest prefix of text that, with the truncation marker,
// still fits after parts. The character estimate from the remaining
// allowance bounds the search and the Counter decides.
func (a *Assembler) cut(parts []string, text string, maxTokens, remaining int) (string, int, bool) {
	if remaining <= 0 {
		return "", 0, false
	}
	runes := []rune(text)
	fits := func(n int) (string, int, bool) {
		s := string(runes[:n]) + TruncationMarker
		c := a.Counter.Count(join(parts, s))
		return s, c, c <= maxTokens
	}

	hi := min(len(runes), remaining*tokens.CharsPerToken)
	if s, c, ok := fits(hi); ok {
		return s, c, true
	}
	lo := 0
	if _, _, ok := fits(lo); !ok {
		return "", 0, false
	}
	// lo fits and hi does not.
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if _, _, ok := fits(mid); ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return "", 0, false
	}
	s, c, _ := fits(lo)
	return s, c, true
}

func join(parts []string, next string) string {
	if len(parts) == 0 {
		return next
	}
	return strings.Join(parts, sectionSeparator) + sectionSeparator + next
}
