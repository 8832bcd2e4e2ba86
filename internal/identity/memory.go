package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory, thread-safe Store implementation for
// tests and single-process dev deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	identities  map[string]*AgentIdentity
	credentials map[string]*AgentCredential
	byHash      map[string]string // credential_hash -> credential_id
	tokens      map[string]*DelegationToken
	events      []*RevocationEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities:  make(map[string]*AgentIdentity),
		credentials: make(map[string]*AgentCredential),
		byHash:      make(map[string]string),
		tokens:      make(map[string]*DelegationToken),
	}
}

func (s *MemoryStore) InsertIdentity(_ context.Context, ident *AgentIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[ident.AgentID]; ok {
		return ErrAlreadyRegistered
	}
	cp := *ident
	s.identities[ident.AgentID] = &cp
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, agentID string) (*AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ident
	return &cp, nil
}

func (s *MemoryStore) UpdateIdentityStatus(_ context.Context, agentID string, status IdentityStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[agentID]
	if !ok {
		return ErrNotFound
	}
	ident.Status = status
	ident.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListIdentitiesByOwner(_ context.Context, owner string) ([]*AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AgentIdentity
	for _, ident := range s.identities {
		if ident.Owner == owner {
			cp := *ident
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) ListActiveEndpoints(_ context.Context) ([]*AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AgentIdentity
	for _, ident := range s.identities {
		if ident.Status == IdentityActive && ident.Metadata["endpoint"] != "" {
			cp := *ident
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) InsertCredential(_ context.Context, cred *AgentCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[cred.CredentialHash]; ok {
		return ErrCredentialExists
	}
	cp := *cred
	s.credentials[cred.CredentialID] = &cp
	s.byHash[cred.CredentialHash] = cred.CredentialID
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, credentialID string) (*AgentCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[credentialID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (s *MemoryStore) FindCredentialByHash(_ context.Context, credentialHash string) (*AgentCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[credentialHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.credentials[id]
	return &cp, nil
}

func (s *MemoryStore) ListActiveCredentials(_ context.Context, agentID string) ([]*AgentCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	var out []*AgentCredential
	for _, cred := range s.credentials {
		if cred.AgentID == agentID && cred.Status == CredActive && cred.ExpiresAt.After(now) {
			cp := *cred
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CredentialID < out[j].CredentialID })
	return out, nil
}

func (s *MemoryStore) MarkCredentialRotated(_ context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[credentialID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	cred.Status = CredRotated
	cred.RotatedAt = &now
	return nil
}

func (s *MemoryStore) RevokeCredential(_ context.Context, credentialID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[credentialID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	cred.Status = CredRevoked
	cred.RevokedAt = &now
	cred.RevocationReason = reason
	return nil
}

func (s *MemoryStore) InsertToken(_ context.Context, tok *DelegationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.tokens[tok.TokenID] = &cp
	return nil
}

func (s *MemoryStore) GetToken(_ context.Context, tokenID string) (*DelegationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *MemoryStore) RevokeToken(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	tok.Revoked = true
	tok.RevokedAt = &now
	return nil
}

// RevokeAgentCascade implements the kill switch under the store mutex so
// a concurrent verify sees either the whole cascade or none of it.
func (s *MemoryStore) RevokeAgentCascade(_ context.Context, agentID, reason, actor string) (*CascadeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()

	ident.Status = IdentityRevoked
	ident.UpdatedAt = now

	creds := 0
	for _, cred := range s.credentials {
		if cred.AgentID == agentID && cred.Status == CredActive {
			cred.Status = CredRevoked
			cred.RevokedAt = &now
			cred.RevocationReason = reason
			creds++
		}
	}

	toks := 0
	revoked := make(map[string]bool)
	for _, tok := range s.tokens {
		if tok.Revoked {
			continue
		}
		if tok.IssuerAgentID == agentID || tok.SubjectAgentID == agentID {
			tok.Revoked = true
			tok.RevokedAt = &now
			revoked[tok.TokenID] = true
			toks++
		}
	}
	// Walk the delegation tree: a child of a revoked token is itself
	// revoked, so the cascade count reflects every invalidated grant.
	for changed := true; changed; {
		changed = false
		for _, tok := range s.tokens {
			if tok.Revoked || !revoked[tok.ParentTokenID] {
				continue
			}
			tok.Revoked = true
			tok.RevokedAt = &now
			revoked[tok.TokenID] = true
			toks++
			changed = true
		}
	}

	ev := &RevocationEvent{
		EventID:      newID("rev"),
		RevokedType:  RevokedAgentIdentity,
		RevokedID:    agentID,
		AgentID:      agentID,
		Reason:       reason,
		Actor:        actor,
		CascadeCount: creds + toks,
		CreatedAt:    now,
	}
	s.events = append(s.events, ev)

	return &CascadeResult{
		EventID:            ev.EventID,
		AgentID:            agentID,
		RevokedCredentials: creds,
		RevokedTokens:      toks,
		CascadeCount:       creds + toks,
	}, nil
}

func (s *MemoryStore) AppendRevocationEvent(_ context.Context, ev *RevocationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListRevocationEvents(_ context.Context, agentID string, limit int) ([]*RevocationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*RevocationEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[i]
		if agentID != "" && ev.AgentID != agentID {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}
