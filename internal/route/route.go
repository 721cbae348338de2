// Package route maps public hostnames and paths onto origin URLs.
package route

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"a11yplan-proxy-go/internal/config"
)

// ErrInvalidDomain is returned when a hostname matches no route.
var ErrInvalidDomain = errors.New("invalid domain configuration")

// DefaultPassThrough lists origin-rooted resources that are never nested under
// a site prefix: build assets, the image optimizer, locale bundles, the API
// root and the favicon. Entries ending in "/" match as prefixes, the rest
// match exactly.
var DefaultPassThrough = []string{
	"/_nuxt/",
	"/_ipx/",
	"/_locales/",
	"/api/",
	"/favicon.ico",
}

// Rule maps a public site onto a path prefix on the origin.
type Rule struct {
	Name         string
	Hosts        []string
	Label        string
	TargetPrefix string
	PassThrough  []string
}

// Target is the outcome of routing one request.
type Target struct {
	URL         string
	Rule        *Rule
	PassThrough bool
}

// Table is an immutable, ordered set of rules bound to one origin domain.
type Table struct {
	rules        []Rule
	targetDomain string
}

// NewTable builds a Table from the loaded configuration.
func NewTable(cfg *config.Config) (*Table, error) {
	domain := config.TrimScheme(cfg.Proxy.TargetDomain)
	if domain == "" {
		return nil, fmt.Errorf("route: target domain is empty")
	}

	rules := make([]Rule, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		r := Rule{
			Name:         rc.Name,
			Label:        strings.ToLower(rc.Label),
			TargetPrefix: rc.TargetPrefix,
			PassThrough:  rc.PassThrough,
		}
		for _, h := range rc.Hosts {
			r.Hosts = append(r.Hosts, strings.ToLower(h))
		}
		if len(r.PassThrough) == 0 {
			r.PassThrough = DefaultPassThrough
		}
		rules = append(rules, r)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("route: no routes configured")
	}

	return &Table{rules: rules, targetDomain: domain}, nil
}

// TargetDomain returns the origin host every route points at.
func (t *Table) TargetDomain() string {
	return t.targetDomain
}

// Rules returns the configured rules in match order.
func (t *Table) Rules() []Rule {
	return t.rules
}

// Match classifies a hostname. Exact host matches across all rules win over
// label matches; within each pass the first rule in order wins.
func (t *Table) Match(hostname string) (*Rule, bool) {
	host := Hostname(hostname)
	if host == "" {
		return nil, false
	}
	for i := range t.rules {
		for _, h := range t.rules[i].Hosts {
			if h == host {
				return &t.rules[i], true
			}
		}
	}
	for i := range t.rules {
		if hasLabel(host, t.rules[i].Label) {
			return &t.rules[i], true
		}
	}
	return nil, false
}

// Route computes the origin URL for a request. rawQuery is appended verbatim.
func (t *Table) Route(hostname, path, rawQuery string) (*Target, error) {
	rule, ok := t.Match(hostname)
	if !ok {
		return nil, fmt.Errorf("%w: host %q", ErrInvalidDomain, hostname)
	}
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	b.WriteString("https://")
	b.WriteString(t.targetDomain)

	passThrough := isPassThrough(path, rule.PassThrough)
	if passThrough {
		b.WriteString(path)
	} else {
		b.WriteString(rule.TargetPrefix)
		if path != "/" {
			b.WriteString(path)
		}
	}
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}

	return &Target{URL: b.String(), Rule: rule, PassThrough: passThrough}, nil
}

// hasLabel reports whether label appears as a whole DNS label that is
// followed by at least one more label, e.g. "check" in "check.a11yplan.de"
// or "preview.check.a11yplan.de" but not in "notcheck.a11yplan.de".
func hasLabel(host, label string) bool {
	if label == "" {
		return false
	}
	return strings.HasPrefix(host, label+".") || strings.Contains(host, "."+label+".")
}

func isPassThrough(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
		} else if path == p {
			return true
		}
	}
	return false
}

// Hostname lowercases a hostname and drops any port and trailing dot.
func Hostname(hostname string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimSuffix(h, ".")
}

// RegistrableDomain returns the last two labels of hostname, the scope used
// for cookies re-issued to clients. Hosts with fewer labels are returned as is.
func RegistrableDomain(hostname string) string {
	host := Hostname(hostname)
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
