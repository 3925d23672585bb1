// Package extract recovers domain names from free-form worker output.
//
// Extraction is heuristic: the worker reports results as unstructured
// text, so the scanners will occasionally over-match dotted tokens in
// diagnostics or miss names with unusual shapes. The scanners are
// pluggable so tuning them never touches the pipeline.
package extract

import (
	"regexp"
	"strings"
)

// Strategy scans text and returns candidate domain names.
type Strategy interface {
	Scan(text string) []string
}

// RegexpStrategy matches candidates with a regular expression. When the
// expression has a capture group, the first group is the candidate;
// otherwise the whole match is used.
type RegexpStrategy struct {
	re *regexp.Regexp
}

// NewRegexpStrategy compiles pattern into a strategy. It panics on an
// invalid pattern, so it belongs in configuration-time code paths.
func NewRegexpStrategy(pattern string) *RegexpStrategy {
	return &RegexpStrategy{re: regexp.MustCompile(pattern)}
}

// Scan returns all matches in order of appearance.
func (s *RegexpStrategy) Scan(text string) []string {
	matches := s.re.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, match := range matches {
		candidate := match[0]
		if len(match) > 1 && match[1] != "" {
			candidate = match[1]
		}
		out = append(out, candidate)
	}
	return out
}

const (
	// urlPattern matches scheme-prefixed URLs and captures the host.
	urlPattern = `https?://([A-Za-z0-9][A-Za-z0-9.-]*\.[A-Za-z]{2,})`
	// barePattern matches bare dotted names with at least three labels,
	// the shape the worker emits for registered subdomains.
	barePattern = `(?i)\b((?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.){2,}[a-z]{2,})\b`
)

// Extractor unions the results of its strategies.
type Extractor struct {
	strategies []Strategy
}

// New builds an extractor from the given strategies. With none given it
// uses the default URL and bare-domain scanners.
func New(strategies ...Strategy) *Extractor {
	if len(strategies) == 0 {
		strategies = []Strategy{
			NewRegexpStrategy(urlPattern),
			NewRegexpStrategy(barePattern),
		}
	}
	return &Extractor{strategies: strategies}
}

// Extract runs every strategy over text and returns the trimmed,
// deduplicated union in first-seen order.
func (e *Extractor) Extract(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, strategy := range e.strategies {
		for _, candidate := range strategy.Scan(text) {
			name := strings.Trim(strings.TrimSpace(candidate), ".")
			if name == "" {
				continue
			}
			key := strings.ToLower(name)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
