package orchestrator

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

// Pre-flight file prediction. Issues whose predicted target sets
// overlap are not run concurrently.

var (
	// Explicit paths: a slash-separated token ending in a known source
	// extension, or rooted at a known source-tree prefix.
	pathPattern = regexp.MustCompile(`[\w./-]+\.(go|js|jsx|ts|tsx|py|rb|java|c|h|cpp|rs|sql|sh|md|ya?ml|json|toml|html|css)\b|` +
		`\b(src|internal|cmd|pkg|lib|app|test|tests|docs|config)/[\w./-]+`)

	// Identifiers in backticks or CamelCase references.
	identPattern = regexp.MustCompile("`([A-Za-z_][\\w.]*)`|\\b([A-Z][a-z]+(?:[A-Z][a-z0-9]+)+)\\b")
)

// areaKeywords map issue vocabulary to canonical area directories.
var areaKeywords = map[string]string{
	"auth":           "auth",
	"authentication": "auth",
	"login":          "auth",
	"api":            "api",
	"endpoint":       "api",
	"database":       "db",
	"migration":      "db",
	"schema":         "db",
	"ui":             "ui",
	"frontend":       "ui",
	"css":            "ui",
	"util":           "utils",
	"utils":          "utils",
	"helper":         "utils",
	"test":           "tests",
	"tests":          "tests",
	"flaky":          "tests",
	"doc":            "docs",
	"docs":           "docs",
	"readme":         "docs",
	"config":         "config",
	"configuration":  "config",
	"settings":       "config",
}

// PredictFiles extracts probable file targets from issue text: explicit
// paths, referenced identifiers (lower-cased as candidate path stems),
// and area keywords mapped to canonical directories.
func PredictFiles(text string) []string {
	seen := make(map[string]bool)

	for _, m := range pathPattern.FindAllString(text, -1) {
		p := strings.Trim(m, "./")
		if p != "" {
			seen[p] = true
		}
	}

	for _, m := range identPattern.FindAllStringSubmatch(text, -1) {
		ident := m[1]
		if ident == "" {
			ident = m[2]
		}
		stem := strings.ToLower(strings.ReplaceAll(ident, ".", "/"))
		if len(stem) >= 3 {
			seen[stem] = true
		}
	}

	lower := strings.ToLower(text)
	for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	}) {
		if dir, ok := areaKeywords[word]; ok {
			seen[dir] = true
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Overlap reports whether two predicted sets conflict: an element is
// equal, one is a path prefix of the other, or two elements share the
// same immediate parent directory.
func Overlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if pathsConflict(x, y) {
				return true
			}
		}
	}
	return false
}

func pathsConflict(x, y string) bool {
	if x == y {
		return true
	}
	if strings.HasPrefix(y, x+"/") || strings.HasPrefix(x, y+"/") {
		return true
	}
	px, py := path.Dir(x), path.Dir(y)
	return px != "." && px == py
}
