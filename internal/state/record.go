package state

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Record is the content of one state file: unique key=value pairs.
type Record map[string]string

// Clone returns a copy that can be mutated freely.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}

	return out
}

// Equal treats nil and empty records as the same absent state.
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for k, v := range r {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}

	return true
}

func (r Record) Time(key string) (time.Time, bool) {
	v, ok := r[key]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

func (r Record) SetTime(key string, t time.Time) {
	r[key] = t.UTC().Format(time.RFC3339Nano)
}

func (r Record) Int(key string) (int, bool) {
	v, ok := r[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}

	return n, true
}

func (r Record) SetInt(key string, n int) {
	r[key] = strconv.Itoa(n)
}

func (r Record) Duration(key string) (time.Duration, bool) {
	v, ok := r[key]
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}

	return d, true
}

func (r Record) SetDuration(key string, d time.Duration) {
	r[key] = d.String()
}

// Encode renders r as sorted key=value lines.
func Encode(r Record) []byte {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(escape(r[k]))
		buf.WriteByte('\n')
	}

	return buf.Bytes()
}

// Decode parses key=value lines. Blank lines and lines starting with '#'
// are ignored; a later duplicate key is an error.
func Decode(data []byte) (Record, error) {
	r := Record{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		// Values keep trailing blanks; only a CRLF line ending is dropped.
		text := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("line %d: expected key=value", line)
		}
		if _, dup := r[key]; dup {
			return nil, fmt.Errorf("line %d: duplicate key %q", line, key)
		}
		r[key] = unescape(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return r, nil
}

func escape(v string) string {
	if !strings.ContainsAny(v, "\\\n\r") {
		return v
	}
	var b strings.Builder
	for _, c := range v {
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(c)
		}
	}

	return b.String()
}

func unescape(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	escaped := false
	for _, c := range v {
		if escaped {
			switch c {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteRune(c)
			}
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(c)
	}
	if escaped {
		b.WriteByte('\\')
	}

	return b.String()
}

// Key builds a file-system safe state name from parts, e.g.
// Key("grace", "emergency-shutdown") == "grace-emergency-shutdown".
func Key(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		var b strings.Builder
		for _, c := range strings.ToLower(p) {
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '.':
				b.WriteRune(c)
			default:
				b.WriteByte('_')
			}
		}
		if b.Len() > 0 {
			cleaned = append(cleaned, b.String())
		}
	}

	return strings.Join(cleaned, "-")
}
