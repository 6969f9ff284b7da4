package manager

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const namingID = "3f2a1bcc-4d5e-6f70-8192-a3b4c5d6e7f8"

func TestGenerateNameFromPrompt(t *testing.T) {
	assert.Equal(t, "analyze-security-vulnerabilities-3f2a1b",
		generateNameFromPrompt("Analyze security vulnerabilities in auth module", namingID))

	// version fragments split on dots are too short to survive
	assert.Equal(t, "upgrade-auth-module-3f2a1b",
		generateNameFromPrompt("v1.2.3 upgrade the auth module", namingID))

	assert.Equal(t, "agent-3f2a1bcc", generateNameFromPrompt("", namingID))
}

func TestGenerateNameUsesFirstLineOnly(t *testing.T) {
	name := generateNameFromPrompt("Fix parser bug\nthen run all integration suites", namingID)
	assert.Equal(t, "fix-parser-bug-3f2a1b", name)
}

func TestGenerateNameIsPure(t *testing.T) {
	a := generateNameFromPrompt("Refactor billing reconciliation pipeline", namingID)
	b := generateNameFromPrompt("Refactor billing reconciliation pipeline", namingID)
	assert.Equal(t, a, b)
}

func TestGenerateNameCharsetAndLength(t *testing.T) {
	valid := regexp.MustCompile(`^[a-z0-9-]+$`)
	prompts := []string{
		"Implement OAuth2/OIDC token refresh (RFC 6749, §6)!!!",
		"supercalifragilisticexpialidocious antidisestablishmentarianism floccinaucinihilipilification stormwatch",
		"...---...",
		"do it",
	}
	for _, p := range prompts {
		name := generateNameFromPrompt(p, namingID)
		assert.True(t, valid.MatchString(name), "prompt %q gave %q", p, name)
		assert.LessOrEqual(t, len(name), maxNameLength, "prompt %q gave %q", p, name)
		assert.True(t, strings.HasSuffix(name, "3f2a1b") || strings.HasSuffix(name, "3f2a1bcc"))
	}
}

func TestGenerateNameStopWords(t *testing.T) {
	name := generateNameFromPrompt("Please make sure the tests pass for billing", namingID)
	assert.Equal(t, "tests-pass-billing-3f2a1b", name)
}
