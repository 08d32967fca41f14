package transcript

import "regexp"

type redactRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Rules run in order. Card redaction must precede phone so long digit runs
// are not partially consumed as phone numbers.
var redactRules = []redactRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks high-risk PII patterns in utterance text before it is
// written to a transcript store.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactRules {
		next := rule.pattern.ReplaceAllString(out, rule.replacement)
		if next != out {
			changed = true
		}
		out = next
	}
	return out, changed
}

// Redact applies RedactPII to an entry's content in place and records
// whether anything was masked.
func Redact(e *Entry) {
	content, changed := RedactPII(e.Content)
	e.Content = content
	e.PIIRedacted = changed
}
