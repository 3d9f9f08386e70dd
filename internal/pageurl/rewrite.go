package pageurl

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultRewrites maps hosts whose landing page does not carry the image to
// the relative path that does.
var DefaultRewrites = map[string]string{
	"imagexxx.host": "./big.html",
}

// Rule is one entry of a YAML rewrite rules file.
type Rule struct {
	Host string `yaml:"host"`
	Path string `yaml:"path"`
}

// Rewriter applies an immutable host → relative path table.
type Rewriter struct {
	rules map[string]*url.URL
}

// NewRewriter compiles the table. Later maps override earlier ones for the
// same host.
func NewRewriter(tables ...map[string]string) (*Rewriter, error) {
	rules := make(map[string]*url.URL)
	for _, table := range tables {
		for host, path := range table {
			host = strings.ToLower(strings.TrimSpace(host))
			if host == "" {
				return nil, fmt.Errorf("rewrite: empty host for path %q", path)
			}
			ref, err := url.Parse(path)
			if err != nil {
				return nil, fmt.Errorf("rewrite: host %s: parse path %q: %w", host, path, err)
			}
			if ref.IsAbs() || ref.Host != "" {
				return nil, fmt.Errorf("rewrite: host %s: path %q must be relative", host, path)
			}
			rules[host] = ref
		}
	}
	return &Rewriter{rules: rules}, nil
}

// Rewrite returns u resolved against the configured path when its host has
// an entry, or u itself.
func (r *Rewriter) Rewrite(u *url.URL) *url.URL {
	ref, ok := r.rules[strings.ToLower(u.Hostname())]
	if !ok {
		return u
	}
	return u.ResolveReference(ref)
}

// Len returns the number of hosts in the table.
func (r *Rewriter) Len() int {
	return len(r.rules)
}

// LoadRules reads a YAML list of {host, path} rules into a table.
func LoadRules(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rewrite: read %s: %w", path, err)
	}

	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("rewrite: parse %s: %w", path, err)
	}

	table := make(map[string]string, len(rules))
	for i, rule := range rules {
		if rule.Host == "" || rule.Path == "" {
			return nil, fmt.Errorf("rewrite: %s: rule %d needs host and path", path, i)
		}
		table[rule.Host] = rule.Path
	}
	return table, nil
}
