package dispatch

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var durationRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)(s|m|h)?`)

// parseRetryAfter extracts the upstream backoff hint from a 429 response.
// Precedence: retry-after-ms header, retry-after header, google.rpc
// RetryInfo detail, quotaResetDelay metadata. Zero means no hint.
func parseRetryAfter(header http.Header, body []byte) time.Duration {
	if v := header.Get("retry-after-ms"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if v := header.Get("retry-after"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			return time.Duration(s) * time.Second
		}
	}

	var found time.Duration
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if strings.Contains(detail.Get("@type").String(), "type.googleapis.com/google.rpc.RetryInfo") {
			if d := parseDelayString(detail.Get("retryDelay").String()); d > 0 {
				found = d
				return false
			}
		}
		if d := parseDelayString(detail.Get("metadata.quotaResetDelay").String()); d > 0 {
			found = d
			return false
		}
		return true
	})
	return found
}

// parseDelayString handles the protobuf duration style strings the
// backends emit ("30s", "1.5m", "2h"; bare numbers mean seconds).
func parseDelayString(s string) time.Duration {
	m := durationRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch m[2] {
	case "h":
		return time.Duration(value * float64(time.Hour))
	case "m":
		return time.Duration(value * float64(time.Minute))
	default:
		return time.Duration(value * float64(time.Second))
	}
}
