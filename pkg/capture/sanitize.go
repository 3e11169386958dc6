package capture

import "regexp"

// Crash text must never leak PII into telemetry: file paths carry user names
// and emails show up in assertion messages surprisingly often.
var (
	emailRE    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	filePathRE = regexp.MustCompile(`(?:/[\w.+~-]+){2,}`)

	redacted = "<removed>"
)

// Sanitize redacts file-path and email-like substrings from a crash message.
func Sanitize(s string) string {
	s = emailRE.ReplaceAllString(s, redacted)
	return filePathRE.ReplaceAllString(s, redacted)
}
