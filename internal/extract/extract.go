// Package extract turns the diagnostic text returned by the form-processing
// endpoint into tracking parameters.
//
// The body is not guaranteed to be JSON. It may carry two landmark sections:
//
//	Form Data: utm_source=newsletter&persistent_utm_medium=email&...
//	Request Body: {"formSubmissionId":"...","fullURL":"https://...","page_id":"..."}
//
// Each section is parsed by its own stage that reports whether it produced
// anything. Neither stage panics or fails the attempt.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	FormDataMarker    = "Form Data:"
	RequestBodyMarker = "Request Body:"

	// maxObjectDepth bounds the brace scanner in the Request Body stage.
	maxObjectDepth = 32
)

// trackingParams is the canonical, ordered tracking parameter set.
var trackingParams = [...]string{
	"utm_medium",
	"utm_source",
	"utm_campaign",
	"utm_term",
	"utm_content",
	"content_id",
	"campaign_id",
	"sub_source",
}

var keyPrefixes = []string{"persistent_", "session_"}

var keyAliases = map[string]string{
	"sub-source": "sub_source",
}

// TrackingParams returns the canonical tracking parameter names in output order.
func TrackingParams() []string {
	out := make([]string, len(trackingParams))
	copy(out, trackingParams[:])
	return out
}

// IsTrackingParam reports whether name is a canonical tracking parameter.
func IsTrackingParam(name string) bool {
	for _, p := range trackingParams {
		if p == name {
			return true
		}
	}
	return false
}

// NormalizeKey lower-cases a Form Data key, strips session/persistent prefixes
// and resolves punctuation aliases.
func NormalizeKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	for stripped := true; stripped; {
		stripped = false
		for _, p := range keyPrefixes {
			if strings.HasPrefix(k, p) {
				k = strings.TrimPrefix(k, p)
				stripped = true
			}
		}
	}
	if alias, ok := keyAliases[k]; ok {
		return alias
	}
	return k
}

// RequestBody holds the fields of the embedded Request Body object.
type RequestBody struct {
	FormSubmissionID string
	FullURL          string
	PageID           string
	Raw              map[string]interface{}
}

// Result is everything recovered from one response body.
type Result struct {
	// Params holds canonical tracking parameters; fullURL values override Form Data values.
	Params map[string]string
	// FormData is the Form Data stage output alone, nil when the block was absent.
	FormData map[string]string
	// Body is nil when the Request Body block was absent or malformed.
	Body *RequestBody
}

// ParseFormData parses the Form Data block. The block runs from the marker to
// the end of its line or to a Request Body marker, whichever comes first.
// Only canonical keys are kept and the first non-empty value for a key wins.
func ParseFormData(text string) (map[string]string, bool) {
	_, after, found := strings.Cut(text, FormDataMarker)
	if !found {
		return nil, false
	}
	block := strings.TrimLeft(after, " \t\r\n")
	if i := strings.IndexAny(block, "\r\n"); i >= 0 {
		block = block[:i]
	}
	if i := strings.Index(block, RequestBodyMarker); i >= 0 {
		block = block[:i]
	}

	out := make(map[string]string)
	for _, pair := range strings.Split(block, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if strings.TrimSpace(k) == "" {
			continue
		}
		key := NormalizeKey(k)
		if !IsTrackingParam(key) {
			continue
		}
		if existing := out[key]; existing != "" {
			continue
		}
		out[key] = decodeValue(v)
	}
	return out, true
}

// ParseRequestBody parses the first JSON object following the Request Body marker.
func ParseRequestBody(text string) (*RequestBody, bool) {
	_, after, found := strings.Cut(text, RequestBodyMarker)
	if !found {
		return nil, false
	}
	obj, ok := scanObject(strings.TrimSpace(after))
	if !ok {
		return nil, false
	}

	var raw map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(obj))
	// Numbers stay as written so ids do not turn into floats.
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, false
	}
	return &RequestBody{
		FormSubmissionID: fieldString(raw, "formSubmissionId"),
		FullURL:          fieldString(raw, "fullURL"),
		PageID:           fieldString(raw, "page_id"),
		Raw:              raw,
	}, true
}

// FullURLParams returns the canonical tracking parameters carried by an echoed URL.
// Anything after a '#' is treated as more query pairs, since the CRM appends
// tracking data after a fragment in some configurations. Empty values are dropped.
func FullURLParams(fullURL string) map[string]string {
	out := make(map[string]string)
	var query string
	if _, q, ok := strings.Cut(fullURL, "?"); ok {
		query = q
	} else if _, frag, ok := strings.Cut(fullURL, "#"); ok {
		query = frag
	}
	if query == "" {
		return out
	}

	// ParseQuery keeps going past bad pairs; whatever parsed is usable.
	values, _ := url.ParseQuery(strings.ReplaceAll(query, "#", "&"))
	for _, name := range trackingParams {
		for _, v := range values[name] {
			if v != "" {
				out[name] = v
				break
			}
		}
	}
	return out
}

// Parser runs both stages and logs the ones that yield nothing.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a Parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger.Named("extract")}
}

// Parse combines both stages. It never fails; missing or malformed blocks
// simply contribute nothing.
func (p *Parser) Parse(text string) Result {
	res := Result{Params: make(map[string]string)}

	if fd, ok := ParseFormData(text); ok {
		res.FormData = fd
		for k, v := range fd {
			res.Params[k] = v
		}
	} else {
		p.logger.Debug("No Form Data block in response.")
	}

	body, ok := ParseRequestBody(text)
	switch {
	case ok:
		res.Body = body
		for k, v := range FullURLParams(body.FullURL) {
			res.Params[k] = v
		}
	case strings.Contains(text, RequestBodyMarker):
		p.logger.Debug("Request Body block is not a well-formed JSON object; skipping.")
	default:
		p.logger.Debug("No Request Body block in response.")
	}
	return res
}

// scanObject returns the balanced JSON object at the start of s. It tracks
// string literals and escapes so braces inside strings do not count.
func scanObject(s string) (string, bool) {
	if !strings.HasPrefix(s, "{") {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxObjectDepth {
				return "", false
			}
		case '}', ']':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
			if depth < 0 {
				return "", false
			}
		}
	}
	return "", false
}

func decodeValue(v string) string {
	v = strings.TrimSpace(v)
	if u, err := url.QueryUnescape(v); err == nil {
		return u
	}
	return v
}

func fieldString(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
