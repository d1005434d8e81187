package management

import (
	"fmt"
	"strconv"
	"strings"
)

// Prop is one key=value pair of an entity name. Value is kept in its wire
// form, quoted when it needed quoting.
type Prop struct {
	Key   string
	Value string
}

// Name is a parsed entity name such as
// "type=PartitionAssignment,service=Orders,responsibility=DistributionCoordinator".
// Key order is preserved so String round-trips.
type Name struct {
	Type  string
	Props []Prop
}

// With returns a copy of n with an extra property. The value is used as is;
// callers quote service names with Quote.
func (n Name) With(key, value string) Name {
	props := make([]Prop, len(n.Props), len(n.Props)+1)
	copy(props, n.Props)
	return Name{Type: n.Type, Props: append(props, Prop{Key: key, Value: value})}
}

// Property returns the unquoted value of key and whether it was present.
func (n Name) Property(key string) (string, bool) {
	for _, p := range n.Props {
		if p.Key == key {
			return Unquote(p.Value), true
		}
	}
	return "", false
}

// Canonical returns n with every value re-quoted with Quote, so two names
// that differ only in optional quoting compare equal. Wildcards are kept.
func (n Name) Canonical() Name {
	props := make([]Prop, len(n.Props))
	for i, p := range n.Props {
		v := p.Value
		if v != "*" {
			v = Quote(Unquote(v))
		}
		props[i] = Prop{Key: p.Key, Value: v}
	}
	return Name{Type: n.Type, Props: props}
}

func (n Name) String() string {
	var b strings.Builder
	b.WriteString("type=")
	b.WriteString(n.Type)
	for _, p := range n.Props {
		b.WriteByte(',')
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// ParseName parses an entity name. A leading "domain:" prefix is ignored.
func ParseName(s string) (Name, error) {
	if i := strings.IndexByte(s, ':'); i >= 0 && !strings.ContainsAny(s[:i], "=,\"") {
		s = s[i+1:]
	}
	parts, err := splitUnquoted(s, ',')
	if err != nil {
		return Name{}, err
	}
	var n Name
	for _, part := range parts {
		if part == "" {
			continue
		}
		kv, err := splitUnquoted(part, '=')
		if err != nil {
			return Name{}, err
		}
		if len(kv) != 2 || kv[0] == "" {
			return Name{}, fmt.Errorf("management: invalid property %q in name %q", part, s)
		}
		key := strings.TrimSpace(kv[0])
		if key == "type" {
			n.Type = kv[1]
			continue
		}
		n.Props = append(n.Props, Prop{Key: key, Value: kv[1]})
	}
	if n.Type == "" {
		return Name{}, fmt.Errorf("management: name %q has no type", s)
	}
	return n, nil
}

// Match reports whether name matches pattern. Every property of the pattern
// must be present in the name with an equal value, or "*" in the pattern.
// Values are compared unquoted, so "service=Cache" never matches
// "service=CacheTwo".
func Match(pattern, name string) bool {
	p, err := ParseName(pattern)
	if err != nil {
		return false
	}
	n, err := ParseName(name)
	if err != nil {
		return false
	}
	if p.Type != "*" && p.Type != n.Type {
		return false
	}
	for _, pp := range p.Props {
		v, ok := n.Property(pp.Key)
		if !ok {
			return false
		}
		if pp.Value != "*" && Unquote(pp.Value) != v {
			return false
		}
	}
	return true
}

// Quote returns s quoted when it contains characters with a meaning inside
// entity names, otherwise s unchanged.
func Quote(s string) string {
	if !strings.ContainsAny(s, ",=:\"*?\\\n ") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\', '*', '?':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// Unquote reverses Quote. Unquoted input is returned unchanged.
func Unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	var b strings.Builder
	in := s[1 : len(s)-1]
	for i := 0; i < len(in); i++ {
		c := in[i]
		if c == '\\' && i+1 < len(in) {
			i++
			if in[i] == 'n' {
				b.WriteByte('\n')
			} else {
				b.WriteByte(in[i])
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func splitUnquoted(s string, sep byte) ([]string, error) {
	var (
		out     []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	if inQuote {
		return nil, fmt.Errorf("management: unterminated quote in %q", s)
	}
	return append(out, s[start:]), nil
}

func itoa(i int) string { return strconv.Itoa(i) }
