package scope

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Mask replaces secret values wherever they would be displayed or logged.
const Mask = "******"

// minSecretLen keeps very short values (flags, digits) from being masked
// across unrelated output.
const minSecretLen = 4

// secretKeyPatterns is the key-name heuristic for secret variables.
var secretKeyPatterns = []string{
	"*password*",
	"*passwd*",
	"*secret*",
	"*token*",
	"*key*",
	"*auth*",
	"*credential*",
	"*private*",
}

// SecretSource names a secret held by a vault provider.
type SecretSource struct {
	Provider string `json:"provider" yaml:"provider"`
	Key      string `json:"key" yaml:"key"`
}

// Provider fetches secret values from a backend.
type Provider interface {
	Fetch(ctx context.Context, key string) (string, error)
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct{}

// Fetch implements Provider.
func (EnvProvider) Fetch(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", key)
	}
	return v, nil
}

// MapProvider serves secrets from a fixed map. Useful for tests and for
// values injected by an outer layer.
type MapProvider map[string]string

// Fetch implements Provider.
func (m MapProvider) Fetch(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return v, nil
}

// Vault is the secret store shared by a Scope and all of its forks.
// It is safe for concurrent use.
type Vault struct {
	mu        sync.RWMutex
	providers map[string]Provider
	memory    map[string]string
	known     map[string]struct{}
	patterns  []glob.Glob
}

// NewVault returns a vault with the "env" provider registered. The "memory"
// provider always resolves against values written with Store.
func NewVault() *Vault {
	v := &Vault{
		providers: map[string]Provider{"env": EnvProvider{}},
		memory:    make(map[string]string),
		known:     make(map[string]struct{}),
	}
	for _, p := range secretKeyPatterns {
		v.patterns = append(v.patterns, glob.MustCompile(p))
	}
	return v
}

// RegisterProvider adds or replaces a named provider.
func (v *Vault) RegisterProvider(name string, p Provider) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.providers[name] = p
}

// Resolve fetches a secret and remembers its value for redaction.
func (v *Vault) Resolve(ctx context.Context, src SecretSource) (string, error) {
	if src.Key == "" {
		return "", fmt.Errorf("secret source: empty key")
	}
	name := src.Provider
	if name == "" {
		name = "env"
	}
	if name == "memory" {
		val, ok := v.Lookup(src.Key)
		if !ok {
			return "", fmt.Errorf("secret %q not found in memory", src.Key)
		}
		return val, nil
	}

	v.mu.RLock()
	p, ok := v.providers[name]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown secret provider %q", name)
	}
	val, err := p.Fetch(ctx, src.Key)
	if err != nil {
		return "", fmt.Errorf("resolve secret %s/%s: %w", name, src.Key, err)
	}
	v.Remember(val)
	return val, nil
}

// Store writes a value into vault memory. Stored values are visible to every
// fork sharing this vault and are always redacted.
func (v *Vault) Store(key, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.memory[key] = value
	if len(value) >= minSecretLen {
		v.known[value] = struct{}{}
	}
}

// Lookup reads a value previously written with Store.
func (v *Vault) Lookup(key string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.memory[key]
	return val, ok
}

// Remember marks value as secret without binding it to a key.
func (v *Vault) Remember(value string) {
	if len(value) < minSecretLen {
		return
	}
	v.mu.Lock()
	v.known[value] = struct{}{}
	v.mu.Unlock()
}

// IsSecretKey reports whether a variable name denotes a secret, either by
// the name heuristic or because it was stored in vault memory.
func (v *Vault) IsSecretKey(key string) bool {
	v.mu.RLock()
	_, stored := v.memory[key]
	v.mu.RUnlock()
	if stored {
		return true
	}
	lower := strings.ToLower(key)
	for _, g := range v.patterns {
		if g.Match(lower) {
			return true
		}
	}
	return false
}

// Redact masks every known secret value in s.
func (v *Vault) Redact(s string) string {
	if s == "" {
		return s
	}
	v.mu.RLock()
	values := make([]string, 0, len(v.known))
	for k := range v.known {
		values = append(values, k)
	}
	v.mu.RUnlock()

	// Longest first so a secret containing another is masked whole.
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, val := range values {
		s = strings.ReplaceAll(s, val, Mask)
	}
	return s
}
