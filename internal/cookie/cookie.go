// Package cookie parses and re-serializes Set-Cookie header values.
//
// net/http's Cookie type is not used for the round trip: its serializer drops
// the leading dot of a Domain attribute and discards attributes it does not
// know, both of which the gateway must preserve.
package cookie

import (
	"strings"
)

// Attr is one attribute of a Set-Cookie value. Flag attributes such as
// Secure have an empty Value and HasValue false.
type Attr struct {
	Name     string
	Value    string
	HasValue bool
}

// SetCookie is the parsed form of one Set-Cookie header value. Attributes
// keep their original order.
type SetCookie struct {
	Name  string
	Value string
	Attrs []Attr
}

// canonicalNames fixes the spelling of well-known attributes on output.
var canonicalNames = map[string]string{
	"domain":      "Domain",
	"path":        "Path",
	"expires":     "Expires",
	"max-age":     "Max-Age",
	"secure":      "Secure",
	"httponly":    "HttpOnly",
	"samesite":    "SameSite",
	"partitioned": "Partitioned",
	"priority":    "Priority",
}

// Parse splits a Set-Cookie value into its name/value pair and attributes.
// It is lenient: empty segments are skipped and a value without "=" yields an
// empty name, mirroring how browsers treat such cookies.
func Parse(raw string) SetCookie {
	parts := strings.Split(raw, ";")

	var c SetCookie
	first := strings.TrimSpace(parts[0])
	if name, value, ok := strings.Cut(first, "="); ok {
		c.Name = strings.TrimSpace(name)
		c.Value = strings.TrimSpace(value)
	} else {
		c.Value = first
	}

	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, value, ok := strings.Cut(p, "=")
		c.Attrs = append(c.Attrs, Attr{
			Name:     canonical(strings.TrimSpace(name)),
			Value:    strings.TrimSpace(value),
			HasValue: ok,
		})
	}
	return c
}

func canonical(name string) string {
	if n, ok := canonicalNames[strings.ToLower(name)]; ok {
		return n
	}
	return name
}

// Get returns the value of the first attribute with the given name.
func (c *SetCookie) Get(name string) (string, bool) {
	for _, a := range c.Attrs {
		if strings.EqualFold(a.Name, name) {
			return a.Value, true
		}
	}
	return "", false
}

// Has reports whether the attribute is present.
func (c *SetCookie) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Set replaces every occurrence of the attribute with a single one holding
// value, keeping the position of the first occurrence. Missing attributes are
// appended.
func (c *SetCookie) Set(name, value string) {
	c.set(Attr{Name: canonical(name), Value: value, HasValue: true})
}

// SetFlag is Set for value-less attributes such as Secure.
func (c *SetCookie) SetFlag(name string) {
	c.set(Attr{Name: canonical(name)})
}

func (c *SetCookie) set(attr Attr) {
	out := c.Attrs[:0]
	placed := false
	for _, a := range c.Attrs {
		if !strings.EqualFold(a.Name, attr.Name) {
			out = append(out, a)
			continue
		}
		if !placed {
			out = append(out, attr)
			placed = true
		}
	}
	if !placed {
		out = append(out, attr)
	}
	c.Attrs = out
}

// Pair returns the "name=value" form sent back in a Cookie header.
func (c *SetCookie) Pair() string {
	if c.Name == "" {
		return c.Value
	}
	return c.Name + "=" + c.Value
}

// String serializes the cookie back into a Set-Cookie header value.
func (c *SetCookie) String() string {
	var b strings.Builder
	b.WriteString(c.Pair())
	for _, a := range c.Attrs {
		b.WriteString("; ")
		b.WriteString(a.Name)
		if a.HasValue {
			b.WriteByte('=')
			b.WriteString(a.Value)
		}
	}
	return b.String()
}

// Rescope re-issues the cookie for the public domain: Domain becomes
// ".<domain>", Secure is ensured and SameSite=None is downgraded to Lax.
func (c *SetCookie) Rescope(domain string) {
	c.Set("Domain", "."+strings.TrimPrefix(domain, "."))
	if !c.Has("Secure") {
		c.SetFlag("Secure")
	}
	if v, ok := c.Get("SameSite"); ok && strings.EqualFold(v, "none") {
		c.Set("SameSite", "Lax")
	}
}

// Pairs reduces Set-Cookie values to a Cookie request header value.
func Pairs(setCookies []string) string {
	pairs := make([]string, 0, len(setCookies))
	for _, raw := range setCookies {
		c := Parse(raw)
		if p := c.Pair(); p != "" {
			pairs = append(pairs, p)
		}
	}
	return strings.Join(pairs, "; ")
}
