// Package credentials turns caller-supplied and environment API keys into
// the per-request candidate pool.
package credentials

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/jordanhubbard/llmproxy/internal/router"
)

// ProviderInfo is the static knowledge about a provider type.
type ProviderInfo struct {
	Type     string
	Endpoint string
	// EnvVars are the single legacy variables, first match wins.
	EnvVars []string
}

var providers = []ProviderInfo{
	{Type: "openai", Endpoint: "https://api.openai.com/v1", EnvVars: []string{"OPENAI_API_KEY"}},
	{Type: "anthropic", Endpoint: "https://api.anthropic.com", EnvVars: []string{"ANTHROPIC_API_KEY"}},
	{Type: "groq", Endpoint: "https://api.groq.com/openai/v1", EnvVars: []string{"GROQ_API_KEY"}},
	{Type: "gemini", Endpoint: "https://generativelanguage.googleapis.com/v1beta/openai", EnvVars: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}},
	{Type: "mistral", Endpoint: "https://api.mistral.ai/v1", EnvVars: []string{"MISTRAL_API_KEY"}},
	{Type: "deepseek", Endpoint: "https://api.deepseek.com/v1", EnvVars: []string{"DEEPSEEK_API_KEY"}},
	{Type: "cerebras", Endpoint: "https://api.cerebras.ai/v1", EnvVars: []string{"CEREBRAS_API_KEY"}},
	{Type: "openrouter", Endpoint: "https://openrouter.ai/api/v1", EnvVars: []string{"OPENROUTER_API_KEY"}},
}

// Provider returns the static info for a provider type.
func Provider(providerType string) (ProviderInfo, bool) {
	for _, p := range providers {
		if p.Type == providerType {
			return p, true
		}
	}
	return ProviderInfo{}, false
}

// Providers lists the known provider types.
func Providers() []string {
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = p.Type
	}
	return out
}

// DefaultCompatibleProvider is the provider type of indexed OpenAI-compatible
// credentials that carry no name.
const DefaultCompatibleProvider = "openai_compatible"

// MaxIndexed bounds the scan over OPENAI_COMPATIBLE_KEY_N.
const MaxIndexed = 64

// Priority weights of environment credentials; lower is tried first.
const (
	PriorityFree    = 0
	PriorityDefault = 10
	PriorityPaid    = 20
	PriorityIndexed = 30
)

// LookupFunc reads one environment variable, like os.LookupEnv.
type LookupFunc func(string) (string, bool)

// Fingerprint derives a stable, non-reversible credential ID. Two entries
// with the same provider, key and endpoint share a fingerprint.
func Fingerprint(providerType, apiKey, endpoint string) string {
	sum := blake2b.Sum256([]byte(providerType + "\x00" + apiKey + "\x00" + endpoint))
	return "cred-" + hex.EncodeToString(sum[:6])
}

func envEntry(providerType, apiKey, endpoint, label string, free bool, priority int) router.CredentialEntry {
	return router.CredentialEntry{
		ID:             Fingerprint(providerType, apiKey, endpoint),
		Source:         router.SourceEnvironment,
		ProviderType:   providerType,
		APIKey:         apiKey,
		Endpoint:       endpoint,
		FreeTier:       free,
		PriorityWeight: priority,
		Label:          label,
	}
}

func lookupNonEmpty(lookup LookupFunc, name string) (string, bool) {
	v, ok := lookup(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// FromEnv collects environment credentials:
//   - legacy single variables (OPENAI_API_KEY, ...);
//   - <PROVIDER>_API_KEY_FREE and <PROVIDER>_API_KEY_PAID pairs;
//   - OPENAI_COMPATIBLE_KEY_N with _URL_N, optional _NAME_N, _FREE_N and
//     _PRIORITY_N, for N in [0, MaxIndexed). Gaps are skipped.
//
// Malformed variables are reported in the joined error; every valid entry
// is still returned.
func FromEnv(lookup LookupFunc) ([]router.CredentialEntry, error) {
	var (
		out  []router.CredentialEntry
		errs []error
	)
	for _, p := range providers {
		for _, name := range p.EnvVars {
			if key, ok := lookupNonEmpty(lookup, name); ok {
				out = append(out, envEntry(p.Type, key, p.Endpoint, name, false, PriorityDefault))
				break
			}
		}
		prefix := strings.ToUpper(p.Type)
		if key, ok := lookupNonEmpty(lookup, prefix+"_API_KEY_FREE"); ok {
			out = append(out, envEntry(p.Type, key, p.Endpoint, prefix+"_API_KEY_FREE", true, PriorityFree))
		}
		if key, ok := lookupNonEmpty(lookup, prefix+"_API_KEY_PAID"); ok {
			out = append(out, envEntry(p.Type, key, p.Endpoint, prefix+"_API_KEY_PAID", false, PriorityPaid))
		}
	}

	for n := 0; n < MaxIndexed; n++ {
		suffix := "_" + strconv.Itoa(n)
		keyVar := "OPENAI_COMPATIBLE_KEY" + suffix
		key, ok := lookupNonEmpty(lookup, keyVar)
		if !ok {
			continue
		}
		endpoint, ok := lookupNonEmpty(lookup, "OPENAI_COMPATIBLE_URL"+suffix)
		if !ok {
			errs = append(errs, fmt.Errorf("%s is set but OPENAI_COMPATIBLE_URL%s is not", keyVar, suffix))
			continue
		}
		name := DefaultCompatibleProvider
		if v, ok := lookupNonEmpty(lookup, "OPENAI_COMPATIBLE_NAME"+suffix); ok {
			name = v
		}
		free := false
		if v, ok := lookupNonEmpty(lookup, "OPENAI_COMPATIBLE_FREE"+suffix); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("OPENAI_COMPATIBLE_FREE%s: %w", suffix, err))
			}
			free = b
		}
		priority := PriorityIndexed
		if v, ok := lookupNonEmpty(lookup, "OPENAI_COMPATIBLE_PRIORITY"+suffix); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("OPENAI_COMPATIBLE_PRIORITY%s: %w", suffix, err))
			} else {
				priority = i
			}
		}
		out = append(out, envEntry(name, key, strings.TrimRight(endpoint, "/"), keyVar, free, priority))
	}
	return out, errors.Join(errs...)
}

// UserCredential is a credential supplied in the request body.
type UserCredential struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Endpoint string `json:"endpoint,omitempty"`
	FreeTier bool   `json:"free_tier,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// FromUser validates caller credentials. Known providers get their default
// endpoint; unknown ones must name an endpoint.
func FromUser(creds []UserCredential) ([]router.CredentialEntry, error) {
	out := make([]router.CredentialEntry, 0, len(creds))
	for i, c := range creds {
		if c.Provider == "" || c.APIKey == "" {
			return nil, fmt.Errorf("credential %d: provider and api_key are required", i)
		}
		endpoint := strings.TrimRight(c.Endpoint, "/")
		if endpoint == "" {
			info, ok := Provider(c.Provider)
			if !ok {
				return nil, fmt.Errorf("credential %d: provider %q needs an endpoint", i, c.Provider)
			}
			endpoint = info.Endpoint
		}
		out = append(out, router.CredentialEntry{
			ID:             Fingerprint(c.Provider, c.APIKey, endpoint),
			Source:         router.SourceUser,
			ProviderType:   c.Provider,
			APIKey:         c.APIKey,
			Endpoint:       endpoint,
			FreeTier:       c.FreeTier,
			PriorityWeight: c.Priority,
			Label:          "user:" + c.Provider,
		})
	}
	return out, nil
}

// sortEntries orders credentials for stable pool output.
func sortEntries(entries []router.CredentialEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.ProviderType != b.ProviderType {
			return a.ProviderType < b.ProviderType
		}
		return a.ID < b.ID
	})
}
