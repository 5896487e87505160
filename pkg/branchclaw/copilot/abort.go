// Package copilot – abort.go recognises standalone "stop" phrases typed as a
// user message. The orchestrator treats them as a cancel request for the
// active turn instead of queueing them as a new turn.
package copilot

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var abortPhrases = map[string]bool{
	// English
	"stop": true, "abort": true, "cancel": true, "halt": true, "interrupt": true,
	"please stop": true, "stop please": true, "stop it": true,
	"stop generating": true, "stop the agent": true, "stop branchclaw": true,
	"stop everything": true,

	// Portuguese
	"pare": true, "parar": true, "pare por favor": true, "cancelar": true,

	// Spanish
	"detente": true, "detén": true, "deten": true, "alto": true,

	// French
	"arrête": true, "arrete": true, "arrêter": true, "arretez": true,

	// German
	"stopp": true, "anhalten": true, "hör auf": true, "hoer auf": true,

	// Chinese / Japanese
	"停止": true, "停": true, "やめて": true, "ストップ": true,

	// Russian
	"стоп": true, "остановись": true, "прекрати": true,
}

var trailingPunct = regexp.MustCompile(`[.!?…,，。;；:：'"）)\]}]+$`)

// IsAbortTrigger reports whether text is a standalone stop request. Text is
// NFKC-normalised, lowercased, stripped of leading @mentions and trailing
// punctuation before matching. "/stop" and "/cancel" are always accepted.
func IsAbortTrigger(text string) bool {
	n := normalizeAbortText(text)
	if n == "" {
		return false
	}
	if n == "/stop" || n == "/cancel" {
		return true
	}
	return abortPhrases[n]
}

func normalizeAbortText(text string) string {
	s := strings.ToLower(norm.NFKC.String(text))

	fields := strings.Fields(s)
	kept := fields[:0]
	for _, f := range fields {
		if !strings.HasPrefix(f, "@") {
			kept = append(kept, f)
		}
	}
	s = strings.Join(kept, " ")

	s = trailingPunct.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
