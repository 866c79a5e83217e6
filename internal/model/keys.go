package model

import (
	"fmt"
	"path"
	"strings"
)

// Store key layout. The key set matches the exported cache document, so
// exports from older snapshots of the same data import back verbatim.
const (
	InputPrefix = "naq:input:"
	GradePrefix = "naq:grade:"
	SnapPrefix  = "naq:snap:"
	RatePrefix  = "naq:rate:"

	KeyAPIURL     = "user-api-url"
	KeyAPIKey     = "user-api-key"
	KeyAPIModel   = "user-api-model"
	KeyAPIType    = "user-api-type"
	KeyInvite     = "user-invite"
	KeySendAnswer = "send-answer"
)

// APIConfigKeys lists every store key belonging to the API configuration
// category, in a stable order.
var APIConfigKeys = []string{
	KeyAPIURL, KeyAPIKey, KeyAPIModel, KeyAPIType, KeySendAnswer, KeyInvite,
}

// PageName derives the page identifier from a file path or URL path:
// the last path element with its extension stripped, "index" if empty.
func PageName(p string) string {
	name := path.Base(strings.ReplaceAll(p, "\\", "/"))
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	if name == "" || name == "/" || name == "." {
		return "index"
	}
	return name
}

// QuestionID builds the stable identifier for the n-th (1-based)
// question on a page. The identifier doubles as the input key prefix.
func QuestionID(page string, n int) string {
	return fmt.Sprintf("%s%s-%d", InputPrefix, page, n)
}

// InputKey is the store key for the j-th (0-based) blank of a question.
func InputKey(id string, j int) string {
	return fmt.Sprintf("%s:%d", id, j)
}

// GradeKey is the cache fingerprint for a question and its current
// inputs. Any input change yields a different key.
func GradeKey(id string, inputs []string) string {
	return GradePrefix + id + ":" + strings.Join(inputs, "|")
}

// SnapKey is the store key for the last-graded inputs of a question.
func SnapKey(id string) string {
	return SnapPrefix + id
}

// RateKey is the store key for a rate-limited action's window state.
func RateKey(action string) string {
	return RatePrefix + action
}

// PageInputPrefix is the input key prefix covering a whole page.
func PageInputPrefix(page string) string {
	return InputPrefix + page
}
