package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/lua"
)

var (
	tagPattern     = regexp.MustCompile(`<[^>]*>`)
	nonSlugPattern = regexp.MustCompile(`[^a-z0-9]+`)
)

// EscapeHTML escapes the characters HTML treats specially.
func EscapeHTML(s string) string {
	return html.EscapeString(s)
}

// StripTags removes HTML tags, leaving the text between them.
func StripTags(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}

// Slugify lowercases and reduces a string to hyphen-separated
// alphanumeric runs, for URLs and storage keys.
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = nonSlugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Truncate shortens a string to at most n runes, marking the cut with an
// ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimRight(string(runes[:n]), " ") + "..."
}

// Named layouts accepted by FormatDate besides a literal Go layout.
var dateLayouts = map[string]string{
	"date":     "2006-01-02",
	"time":     "15:04:05",
	"datetime": "2006-01-02 15:04:05",
	"rfc3339":  time.RFC3339,
}

// FormatDate renders a timestamp. The value is an RFC 3339 string, a
// "2006-01-02" date string, or a Unix epoch in seconds. The layout is one
// of the named layouts or a Go reference layout; empty means RFC 3339.
func FormatDate(value any, layout string) (string, error) {
	var t time.Time
	switch v := value.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			parsed, err = time.Parse("2006-01-02", v)
		}
		if err != nil {
			return "", fmt.Errorf("unparseable date %q", v)
		}
		t = parsed
	case int64:
		t = time.Unix(v, 0).UTC()
	case float64:
		t = time.Unix(int64(v), 0).UTC()
	case time.Time:
		t = v
	default:
		return "", fmt.Errorf("unsupported date value %T", value)
	}

	if layout == "" {
		layout = time.RFC3339
	} else if named, ok := dateLayouts[strings.ToLower(layout)]; ok {
		layout = named
	}
	return t.Format(layout), nil
}

// FormatNumber renders a number with comma-grouped thousands and a fixed
// number of decimals.
func FormatNumber(value float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	formatted := strconv.FormatFloat(value, 'f', decimals, 64)

	sign := ""
	if strings.HasPrefix(formatted, "-") {
		sign = "-"
		formatted = formatted[1:]
	}
	intPart, fracPart, hasFrac := strings.Cut(formatted, ".")

	var groups []string
	for len(intPart) > 3 {
		groups = append([]string{intPart[len(intPart)-3:]}, groups...)
		intPart = intPart[:len(intPart)-3]
	}
	groups = append([]string{intPart}, groups...)

	out := sign + strings.Join(groups, ",")
	if hasFrac {
		out += "." + fracPart
	}
	return out
}

// Hash digests a string. Supported algorithms are "sha256" (default) and
// "fnv" for cheap non-cryptographic keys.
func Hash(s, algo string) (string, error) {
	switch algo {
	case "", "sha256":
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	case "fnv":
		h := fnv.New64a()
		h.Write([]byte(s))
		return strconv.FormatUint(h.Sum64(), 16), nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", algo)
	}
}

// installUtilLua builds the graft.util module. Nothing here touches host
// state, so it carries no capability.
func installUtilLua(L *glua.LState, b *lua.Bridge) glua.LValue {
	t := L.NewTable()

	stringFn := func(name string, fn func(string) string) {
		L.SetField(t, name, L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			s, err := requireString(args, 0, "value")
			if err != nil {
				return nil, err
			}
			return fn(s), nil
		})))
	}

	stringFn("escapeHTML", EscapeHTML)
	stringFn("stripTags", StripTags)
	stringFn("slugify", Slugify)
	stringFn("trim", strings.TrimSpace)

	L.SetField(t, "truncate", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
		s, err := requireString(args, 0, "value")
		if err != nil {
			return nil, err
		}
		n, ok := argNumber(args, 1)
		if !ok {
			return nil, fmt.Errorf("truncate wants a length")
		}
		return Truncate(s, int(n)), nil
	})))

	L.SetField(t, "formatDate", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("formatDate wants a date value")
		}
		layout, _ := argString(args, 1)
		return FormatDate(args[0], layout)
	})))

	L.SetField(t, "formatNumber", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("formatNumber wants a number")
		}
		var value float64
		switch v := args[0].(type) {
		case int64:
			value = float64(v)
		case float64:
			value = v
		default:
			return nil, fmt.Errorf("formatNumber wants a number, got %T", args[0])
		}
		decimals := 0
		if d, ok := argNumber(args, 1); ok {
			decimals = int(d)
		}
		return FormatNumber(value, decimals), nil
	})))

	L.SetField(t, "split", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
		s, err := requireString(args, 0, "value")
		if err != nil {
			return nil, err
		}
		sep, ok := argString(args, 1)
		if !ok {
			return nil, fmt.Errorf("split wants a separator")
		}
		return strings.Split(s, sep), nil
	})))

	L.SetField(t, "join", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("join wants a list")
		}
		list, ok := args[0].([]any)
		if !ok {
			return nil, fmt.Errorf("join wants a list")
		}
		sep, ok := argString(args, 1)
		if !ok {
			return nil, fmt.Errorf("join wants a separator")
		}
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(parts, sep), nil
	})))

	L.SetField(t, "uuid", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
		return uuid.NewString(), nil
	})))

	L.SetField(t, "nanoid", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
		if size, ok := argNumber(args, 0); ok {
			return gonanoid.New(int(size))
		}
		return gonanoid.New()
	})))

	L.SetField(t, "hash", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
		s, err := requireString(args, 0, "value")
		if err != nil {
			return nil, err
		}
		algo, _ := argString(args, 1)
		return Hash(s, algo)
	})))

	return t
}

func argNumber(args []any, i int) (float64, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch v := args[i].(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
