package manager

import (
	"regexp"
	"strings"
)

const maxNameLength = 40

// nameSeparators splits a prompt line into candidate tokens. Dots,
// slashes and other punctuation all separate, so "v1.2.3" yields short
// fragments that the length filter then drops.
var nameSeparators = regexp.MustCompile(`[^a-z0-9]+`)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "this": true,
	"that": true, "from": true, "into": true, "are": true, "was": true,
	"were": true, "will": true, "can": true, "has": true, "have": true,
	"your": true, "our": true, "its": true, "all": true, "any": true,
	"please": true, "make": true, "sure": true,
}

// generateNameFromPrompt derives a short readable name from the first
// line of the prompt, suffixed with a fragment of the agent id. Pure
// function of its inputs; the result matches [a-z0-9-]+.
func generateNameFromPrompt(prompt, id string) string {
	hex := strings.ReplaceAll(id, "-", "")

	firstLine := prompt
	if i := strings.IndexByte(firstLine, '\n'); i >= 0 {
		firstLine = firstLine[:i]
	}

	var words []string
	for _, tok := range nameSeparators.Split(strings.ToLower(firstLine), -1) {
		if len(tok) < 3 || stopWords[tok] {
			continue
		}
		words = append(words, tok)
		if len(words) == 3 {
			break
		}
	}

	if len(words) == 0 {
		return "agent-" + safeHex(hex, 8)
	}

	name := strings.Join(words, "-") + "-" + safeHex(hex, 6)
	if len(name) > maxNameLength {
		// Truncate the stem, keeping the id suffix intact.
		keep := maxNameLength - 7 // "-" plus 6 hex chars
		stem := strings.TrimRight(name[:keep], "-")
		name = stem + "-" + safeHex(hex, 6)
	}
	return name
}

func safeHex(hex string, n int) string {
	if len(hex) < n {
		return hex
	}
	return hex[:n]
}
