package runtime

import "regexp"

// maxToolResultBytes caps tool output before it reaches the model and the
// event log. Oversized results are cut, not rejected; the model sees the
// head and the truncation marker.
const maxToolResultBytes = 64 * 1024

// secretPatterns catch the common shapes of leaked credentials in tool
// output. Matching is heuristic; redaction keeps the rest of the result
// usable.
var secretPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`)},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[\w.-]+`)},
	{"aws_key", regexp.MustCompile(`(?i)(aws|amazon).*?(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`)},
	{"generic_secret", regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
}

// sanitizeToolResult truncates oversized output and redacts anything that
// looks like a credential.
func sanitizeToolResult(content string) string {
	if len(content) > maxToolResultBytes {
		content = content[:maxToolResultBytes] + "\n...[truncated]"
	}
	for _, sp := range secretPatterns {
		content = sp.re.ReplaceAllString(content, "[REDACTED]")
	}
	return content
}

// detectSecrets names the credential shapes present in content so redactions
// can be logged without logging the secret.
func detectSecrets(content string) []string {
	if content == "" {
		return nil
	}
	var found []string
	for _, sp := range secretPatterns {
		if sp.re.MatchString(content) {
			found = append(found, sp.name)
		}
	}
	return found
}
