package router

import (
	"fmt"
	"regexp"
	"strings"
)

var paramName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Pattern is a compiled route glob.
type Pattern struct {
	raw    string
	re     *regexp.Regexp
	params []string
}

// CompilePattern compiles a route glob into an anchored matcher.
func CompilePattern(pattern string) (*Pattern, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("pattern %q must start with '/'", pattern)
	}

	var b strings.Builder
	var params []string
	seen := make(map[string]bool)

	b.WriteString("^")
	for i := 0; i < len(pattern); {
		switch c := pattern[i]; {
		case c == '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("pattern %q: unclosed '{'", pattern)
			}
			name := pattern[i+1 : i+end]
			if !paramName.MatchString(name) {
				return nil, fmt.Errorf("pattern %q: invalid parameter name %q", pattern, name)
			}
			if seen[name] {
				return nil, fmt.Errorf("pattern %q: duplicate parameter %q", pattern, name)
			}
			seen[name] = true
			params = append(params, name)
			fmt.Fprintf(&b, "(?P<%s>[^/]+)", name)
			i += end + 1
		case c == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			b.WriteString(".*")
			i += 2
		case c == '*':
			b.WriteString("[^/]*")
			i++
		case c == '}':
			return nil, fmt.Errorf("pattern %q: unexpected '}'", pattern)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return &Pattern{raw: pattern, re: re, params: params}, nil
}

// Match reports whether path matches and returns the captured parameters.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	m := p.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(p.params))
	for i, name := range p.re.SubexpNames() {
		if name != "" {
			params[name] = m[i]
		}
	}
	return params, true
}

// String returns the source glob.
func (p *Pattern) String() string {
	return p.raw
}

// Params returns the parameter names in order of appearance.
func (p *Pattern) Params() []string {
	return p.params
}
