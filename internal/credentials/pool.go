package credentials

import (
	"sort"

	"github.com/jordanhubbard/llmproxy/internal/router"
)

// ModelLister is the part of a catalog snapshot the pool needs.
type ModelLister interface {
	ListByProvider(provider string) []router.ModelEntry
}

// Pool expands credentials into candidates against one catalog snapshot.
// It is built once per request.
type Pool struct {
	models ModelLister
	env    []router.CredentialEntry
}

func NewPool(models ModelLister, env []router.CredentialEntry) *Pool {
	env = append([]router.CredentialEntry(nil), env...)
	sortEntries(env)
	return &Pool{models: models, env: env}
}

// Build cross-joins every user credential, and the environment credentials
// when authorized, with the catalog models of its provider type. The result
// lists free candidates first, then by ascending priority weight; user
// entries precede environment entries on ties. A candidate appearing twice
// (same provider, model and credential fingerprint) is kept once, preferring
// the user-supplied copy.
func (p *Pool) Build(user []router.CredentialEntry, authorized bool) []router.Candidate {
	type ranked struct {
		c     router.Candidate
		order int
	}
	var (
		out  []ranked
		seen = make(map[router.CandidateKey]bool)
	)
	add := func(creds []router.CredentialEntry) {
		for _, cred := range creds {
			for _, m := range p.models.ListByProvider(cred.ProviderType) {
				c, err := router.NewCandidate(cred, m)
				if err != nil {
					continue
				}
				if seen[c.Key()] {
					continue
				}
				seen[c.Key()] = true
				out = append(out, ranked{c: c, order: len(out)})
			}
		}
	}
	userSorted := append([]router.CredentialEntry(nil), user...)
	sortEntries(userSorted)
	add(userSorted)
	if authorized {
		add(p.env)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].c, out[j].c
		if a.FreeTier() != b.FreeTier() {
			return a.FreeTier()
		}
		if pa, pb := a.Credential().PriorityWeight, b.Credential().PriorityWeight; pa != pb {
			return pa < pb
		}
		if sa, sb := a.Credential().Source, b.Credential().Source; sa != sb {
			return sa == router.SourceUser
		}
		if a.Provider() != b.Provider() {
			return a.Provider() < b.Provider()
		}
		if a.ModelName() != b.ModelName() {
			return a.ModelName() < b.ModelName()
		}
		return out[i].order < out[j].order
	})

	cands := make([]router.Candidate, len(out))
	for i, r := range out {
		cands[i] = r.c
	}
	return cands
}

// Environment returns the environment credentials without secrets, for
// operators.
func (p *Pool) Environment() []router.CredentialEntry {
	out := make([]router.CredentialEntry, len(p.env))
	for i, e := range p.env {
		e.APIKey = ""
		out[i] = e
	}
	return out
}
