// Package sanitizer redacts credential values from agent events before they
// enter the event log or reach any subscriber.
//
// The secret set is a snapshot of process-environment values (plus any
// values registered in the secrets store) whose keys look like credentials
// and whose values are at least 8 characters. Matching is literal and
// case-sensitive; every occurrence is replaced with "[REDACTED]".
package sanitizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/hivemind/hivemind/internal/agent/stream"
	"github.com/hivemind/hivemind/internal/common/logger"
)

const (
	// Redacted replaces each secret occurrence.
	Redacted = "[REDACTED]"
	// minSecretLength guards against redacting short, false-positive-prone
	// values.
	minSecretLength = 8
)

// credentialKey matches environment keys that name credentials.
var credentialKey = regexp.MustCompile(`(?i)(TOKEN|KEY|SECRET|PASSWORD|PASSWD|CREDENTIAL|AUTH|BEARER)`)

// Provider supplies additional secret values, e.g. from the secrets store.
type Provider func() []string

// Sanitizer redacts secrets from events. The secret set is rebuilt lazily
// on the first Sanitize after ResetCache.
type Sanitizer struct {
	mu        sync.RWMutex
	secrets   []string
	haveCache bool

	providers []Provider
	logger    *logger.Logger
}

// New creates a Sanitizer. Providers contribute secret values beyond the
// process environment.
func New(log *logger.Logger, providers ...Provider) *Sanitizer {
	return &Sanitizer{
		providers: providers,
		logger:    log,
	}
}

// Sanitize returns a deep-copied event with every string leaf scanned for
// secrets. The input event is never mutated. A non-nil error means the
// event must be dropped by the caller; the raw event is never usable on
// error.
func (s *Sanitizer) Sanitize(ev stream.Event) (out stream.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("sanitizer panic: %v", r)
		}
	}()

	secrets := s.secretSet()
	if len(secrets) == 0 {
		// Still deep-copy so callers can rely on isolation.
		return cloneMap(ev, nil), nil
	}
	return cloneMap(ev, secrets), nil
}

// ResetCache discards the cached secret set. The next Sanitize rebuilds it
// from the environment and providers.
func (s *Sanitizer) ResetCache() {
	s.mu.Lock()
	s.haveCache = false
	s.secrets = nil
	s.mu.Unlock()
}

func (s *Sanitizer) secretSet() []string {
	s.mu.RLock()
	if s.haveCache {
		cached := s.secrets
		s.mu.RUnlock()
		return cached
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveCache {
		return s.secrets
	}

	var secrets []string
	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key, value := kv[:idx], kv[idx+1:]
		if len(value) < minSecretLength {
			continue
		}
		if credentialKey.MatchString(key) {
			secrets = append(secrets, value)
		}
	}
	for _, p := range s.providers {
		for _, value := range p() {
			if len(value) >= minSecretLength {
				secrets = append(secrets, value)
			}
		}
	}

	s.secrets = secrets
	s.haveCache = true
	return secrets
}

func cloneMap(m map[string]any, secrets []string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v, secrets)
	}
	return out
}

func cloneValue(v any, secrets []string) any {
	switch t := v.(type) {
	case string:
		return redact(t, secrets)
	case map[string]any:
		return cloneMap(t, secrets)
	case stream.Event:
		return stream.Event(cloneMap(t, secrets))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item, secrets)
		}
		return out
	default:
		// Non-string leaves pass through untouched.
		return t
	}
}

func redact(s string, secrets []string) string {
	for _, secret := range secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, Redacted)
		}
	}
	return s
}
