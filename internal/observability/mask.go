package observability

import "regexp"

var (
	reDSNCredentials = regexp.MustCompile(`(?i)(://)([^:/@\s]*):([^@\s]+)(@)`)
	rePasswordParam  = regexp.MustCompile(`(?i)(password=)([^\s;&]+)`)
	reBearerToken    = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._\-]+)`)
	reAPIKeyParam    = regexp.MustCompile(`(?i)(api_?key=)([^\s;&]+)`)
	reOpenAIKey      = regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`)
)

// Mask hides credentials in DSNs, URLs and error strings before they reach a
// log line.
func Mask(s string) string {
	out := reDSNCredentials.ReplaceAllString(s, "$1*:*$4")
	out = rePasswordParam.ReplaceAllString(out, "$1***")
	out = reBearerToken.ReplaceAllString(out, "$1***")
	out = reAPIKeyParam.ReplaceAllString(out, "$1***")
	out = reOpenAIKey.ReplaceAllString(out, "sk-***")
	return out
}
