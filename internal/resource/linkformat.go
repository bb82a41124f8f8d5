package resource

import (
	"strconv"
	"strings"
)

// Attr is one link-format attribute.
type Attr struct {
	Name   string
	Value  string
	Quoted bool
}

// Link is one entry of a link-format document.
type Link struct {
	Href  string
	Attrs []Attr
}

func (l Link) String() string {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(l.Href)
	b.WriteString(">")
	for _, a := range l.Attrs {
		b.WriteString(";")
		b.WriteString(a.Name)
		if a.Value == "" {
			continue
		}
		b.WriteString("=")
		if a.Quoted {
			b.WriteString(strconv.Quote(a.Value))
		} else {
			b.WriteString(a.Value)
		}
	}
	return b.String()
}

// attr returns the value of name, or false when the link lacks it.
func (l Link) attr(name string) (string, bool) {
	if name == "href" {
		return l.Href, true
	}
	for _, a := range l.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// FormatLinks renders links as an application/link-format document.
func FormatLinks(links []Link) string {
	parts := make([]string, len(links))
	for i, l := range links {
		parts[i] = l.String()
	}
	return strings.Join(parts, ",")
}

// FilterLinks applies RFC 6690 query filters ("rt=mpd.*", "href=/mpd/config").
// A trailing "*" in the value is a prefix match. Space separated attribute
// values (rt, if) match when any of their tokens matches. All filters must
// match for a link to be kept.
func FilterLinks(links []Link, queries []string) []Link {
	type filter struct {
		name, value string
		prefix      bool
	}
	var filters []filter
	for _, q := range queries {
		name, value, ok := strings.Cut(q, "=")
		if !ok || name == "" {
			continue
		}
		f := filter{name: name, value: value}
		if strings.HasSuffix(value, "*") {
			f.prefix = true
			f.value = strings.TrimSuffix(value, "*")
		}
		filters = append(filters, f)
	}
	if len(filters) == 0 {
		return links
	}

	var out []Link
next:
	for _, l := range links {
		for _, f := range filters {
			v, ok := l.attr(f.name)
			if !ok {
				continue next
			}
			tokens := []string{v}
			if f.name != "href" {
				tokens = strings.Fields(v)
			}
			matched := false
			for _, tok := range tokens {
				if (f.prefix && strings.HasPrefix(tok, f.value)) || (!f.prefix && tok == f.value) {
					matched = true
					break
				}
			}
			if !matched {
				continue next
			}
		}
		out = append(out, l)
	}
	return out
} // func FilterLinks
