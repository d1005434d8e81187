package lifecycle

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const base64Prefix = "base64:"

// ParseResumeMap parses a per-service resume list such as
// `Orders=true,"a,b"=false`. Names may be quoted to contain ',' or '=', and
// \" inside a name is a literal quote. A value other than "true" (any case)
// means false. The whole list may be given as "base64:<encoded list>".
// An empty list yields a nil map.
func ParseResumeMap(s string) (map[string]bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, base64Prefix) {
		b, err := base64.StdEncoding.DecodeString(s[len(base64Prefix):])
		if err != nil {
			return nil, fmt.Errorf("lifecycle: decode resume services: %w", err)
		}
		s = string(b)
	}

	out := make(map[string]bool)
	var (
		name, value strings.Builder
		cur         = &name
		inQuotes    bool
	)
	flush := func() {
		if n := strings.TrimSpace(name.String()); n != "" {
			out[n] = strings.EqualFold(strings.TrimSpace(value.String()), "true")
		}
		name.Reset()
		value.Reset()
		cur = &name
	}
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; ch {
		case '"':
			inQuotes = !inQuotes
		case '\\':
			if i+1 < len(s) && s[i+1] == '"' {
				cur.WriteByte('"')
				i++
			} else {
				cur.WriteByte('\\')
			}
		case '=':
			if inQuotes {
				cur.WriteByte('=')
			} else {
				cur = &value
			}
		case ',':
			if inQuotes {
				cur.WriteByte(',')
			} else {
				flush()
			}
		default:
			cur.WriteByte(ch)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("lifecycle: unterminated quote in resume services %q", s)
	}
	flush()
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
