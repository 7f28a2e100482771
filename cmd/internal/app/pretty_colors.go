package app

import (
	"log/slog"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// ANSI escape sequences used by the pretty handler.
const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripANSI removes color escapes so width math sees what the terminal shows.
func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// visualLen is the on-screen rune width of s, ignoring color escapes.
func visualLen(s string) int {
	return len([]rune(stripANSI(s)))
}

const (
	minLogWidth     = 40
	defaultLogWidth = 100
)

// terminalWidth resolves the wrap width: explicit override first, then the
// COLUMNS convention, then a sane default. Widths below minLogWidth are
// treated as unusable.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"CHATLENS_LOG_WIDTH", "COLUMNS"} {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < minLogWidth {
			continue
		}
		return n
	}
	return defaultLogWidth
}

// wrapSegments lays segments out into lines no wider than width, joining
// with sep and prefixing continuation lines. A segment that cannot fit on
// its own line is truncated with an ellipsis marker.
func wrapSegments(segments []string, sep string, width int, contPrefix string) []string {
	var lines []string
	cur := ""

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if cur == "" {
			prefix := ""
			if len(lines) > 0 {
				prefix = contPrefix
			}
			cur = prefix + truncateVisual(seg, width-visualLen(prefix))
			continue
		}
		if visualLen(cur)+visualLen(sep)+visualLen(seg) <= width {
			cur += sep + seg
			continue
		}
		lines = append(lines, cur)
		cur = contPrefix + truncateVisual(seg, width-visualLen(contPrefix))
	}

	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

// truncateVisual shortens s to at most max visible runes. Color escapes do
// not survive truncation.
func truncateVisual(s string, max int) string {
	if visualLen(s) <= max {
		return s
	}
	if max <= 1 {
		return "…"
	}
	r := []rune(stripANSI(s))
	return string(r[:max-1]) + "…"
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		u := v.Uint64()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	default:
		return 0, false
	}
}

func colorizeHTTPMethod(method string, color bool) string {
	if !color {
		return method
	}
	switch method {
	case "GET":
		return ansiGreen + method + ansiReset
	case "POST", "PUT", "PATCH":
		return ansiCyan + method + ansiReset
	case "DELETE":
		return ansiRed + method + ansiReset
	default:
		return ansiYellow + method + ansiReset
	}
}

func colorizeStatusCode(code int, color bool) string {
	s := strconv.Itoa(code)
	if !color {
		return s
	}
	switch {
	case code >= 500:
		return ansiRed + s + ansiReset
	case code >= 400:
		return ansiYellow + s + ansiReset
	case code >= 300:
		return ansiCyan + s + ansiReset
	default:
		return ansiGreen + s + ansiReset
	}
}

func colorizeStatusClass(class string, color bool) string {
	if !color {
		return class
	}
	switch class {
	case "5xx":
		return ansiRed + class + ansiReset
	case "4xx":
		return ansiYellow + class + ansiReset
	case "3xx":
		return ansiCyan + class + ansiReset
	default:
		return ansiGreen + class + ansiReset
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	if !color {
		return s
	}
	switch {
	case ms >= 1000:
		return ansiRed + s + ansiReset
	case ms >= 100:
		return ansiYellow + s + ansiReset
	default:
		return ansiDim + s + ansiReset
	}
}

func colorizeResult(result string, color bool) string {
	if !color {
		return result
	}
	switch result {
	case "server_error":
		return ansiRed + result + ansiReset
	case "client_error":
		return ansiYellow + result + ansiReset
	case "redirect":
		return ansiCyan + result + ansiReset
	default:
		return ansiGreen + result + ansiReset
	}
}
