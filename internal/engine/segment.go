package engine

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	delimRe        = regexp.MustCompile(`===题(\d+)===`)
	leadingDelimRe = regexp.MustCompile(`^===题\d+===\s*`)
)

// StripDelim removes a leading delimiter echo from a single-question
// response.
func StripDelim(text string) string {
	return strings.TrimSpace(leadingDelimRe.ReplaceAllString(text, ""))
}

// SplitVerdicts parses a multi-question response into n per-question
// verdicts, matched positionally by the echoed 1-based index. It
// reports ok=false when any expected segment is missing or empty, in
// which case nothing should be distributed to individual questions.
func SplitVerdicts(text string, n int) ([]string, bool) {
	matches := delimRe.FindAllStringSubmatchIndex(text, -1)
	parsed := make(map[int]string, len(matches))
	for i, m := range matches {
		num, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil {
			continue
		}
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		parsed[num] = strings.TrimSpace(text[m[1]:end])
	}

	verdicts := make([]string, n)
	for i := 1; i <= n; i++ {
		seg, ok := parsed[i]
		if !ok || seg == "" {
			return nil, false
		}
		verdicts[i-1] = seg
	}
	return verdicts, true
}
