package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"

	"github.com/rs/zerolog"
)

type keyCacheEntry struct {
	keys     []ports.CredentialKey
	loadedAt time.Time
}

// CachedKeyProvider implements ports.KeyProvider. Decrypted credentials are
// cached per gateway merchant ID and per key ref for ttl, and dropped on
// Invalidate.
type CachedKeyProvider struct {
	repo  ports.MerchantRepository
	enc   ports.EncryptionService
	grace time.Duration
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger

	mu        sync.RWMutex
	byGateway map[string]keyCacheEntry
	active    map[domain.MerchantKeyRef]keyCacheEntry
}

// NewCachedKeyProvider creates a key provider. grace is the rotation grace
// window during which the previous key still verifies callbacks.
func NewCachedKeyProvider(
	repo ports.MerchantRepository,
	enc ports.EncryptionService,
	grace, ttl time.Duration,
	log zerolog.Logger,
) *CachedKeyProvider {
	return &CachedKeyProvider{
		repo:      repo,
		enc:       enc,
		grace:     grace,
		ttl:       ttl,
		now:       time.Now,
		log:       log,
		byGateway: make(map[string]keyCacheEntry),
		active:    make(map[domain.MerchantKeyRef]keyCacheEntry),
	}
}

// CandidateKeys returns current credentials plus, per merchant and mode, the
// most recently retired one if it is still inside the grace window.
func (p *CachedKeyProvider) CandidateKeys(ctx context.Context, gatewayMerchantID string) ([]ports.CredentialKey, error) {
	all, err := p.loadGateway(ctx, gatewayMerchantID)
	if err != nil {
		return nil, err
	}

	now := p.now()
	seenRetired := make(map[domain.MerchantKeyRef]bool)
	out := make([]ports.CredentialKey, 0, 2)
	for _, k := range all {
		cred := k.Credential
		if cred.IsCurrent() {
			out = append(out, k)
			continue
		}
		ref := cred.Ref()
		if seenRetired[ref] {
			continue
		}
		seenRetired[ref] = true
		if cred.AcceptableAt(now, p.grace) {
			out = append(out, k)
		}
	}
	return out, nil
}

// ActiveKey returns the current key for ref, or nil if the merchant has none.
func (p *CachedKeyProvider) ActiveKey(ctx context.Context, ref domain.MerchantKeyRef) (*ports.CredentialKey, error) {
	p.mu.RLock()
	entry, ok := p.active[ref]
	p.mu.RUnlock()
	if ok && p.fresh(entry) {
		k := entry.keys[0]
		return &k, nil
	}

	cred, err := p.repo.GetActiveCredential(ctx, ref.MerchantID, ref.Mode)
	if err != nil {
		return nil, fmt.Errorf("load active credential %s: %w", ref, err)
	}
	if cred == nil {
		return nil, nil
	}
	k, err := p.decrypt(*cred)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.active[ref] = keyCacheEntry{keys: []ports.CredentialKey{k}, loadedAt: p.now()}
	p.mu.Unlock()
	return &k, nil
}

// Invalidate drops every cached entry belonging to merchantID.
func (p *CachedKeyProvider) Invalidate(merchantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for ref := range p.active {
		if ref.MerchantID == merchantID {
			delete(p.active, ref)
		}
	}
	for gwID, entry := range p.byGateway {
		for _, k := range entry.keys {
			if k.Credential.MerchantID == merchantID {
				delete(p.byGateway, gwID)
				break
			}
		}
	}
	p.log.Debug().Str("merchant_id", merchantID).Msg("merchant key cache invalidated")
}

func (p *CachedKeyProvider) loadGateway(ctx context.Context, gatewayMerchantID string) ([]ports.CredentialKey, error) {
	p.mu.RLock()
	entry, ok := p.byGateway[gatewayMerchantID]
	p.mu.RUnlock()
	if ok && p.fresh(entry) {
		return entry.keys, nil
	}

	creds, err := p.repo.ListCredentials(ctx, gatewayMerchantID)
	if err != nil {
		return nil, fmt.Errorf("list credentials for %s: %w", gatewayMerchantID, err)
	}
	sort.SliceStable(creds, func(i, j int) bool { return creds[i].Version > creds[j].Version })

	keys := make([]ports.CredentialKey, 0, len(creds))
	for _, c := range creds {
		k, err := p.decrypt(c)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	// Misses are never cached.
	if len(keys) > 0 {
		p.mu.Lock()
		p.byGateway[gatewayMerchantID] = keyCacheEntry{keys: keys, loadedAt: p.now()}
		p.mu.Unlock()
	}
	return keys, nil
}

func (p *CachedKeyProvider) decrypt(c domain.MerchantCredential) (ports.CredentialKey, error) {
	key, err := p.enc.Decrypt(c.KeyEnc, c.SecretAAD("key"))
	if err != nil {
		return ports.CredentialKey{}, fmt.Errorf("decrypt key %s v%d: %w", c.Ref(), c.Version, err)
	}
	var apiKey string
	if c.APIKeyEnc != "" {
		apiKey, err = p.enc.Decrypt(c.APIKeyEnc, c.SecretAAD("api_key"))
		if err != nil {
			return ports.CredentialKey{}, fmt.Errorf("decrypt api key %s v%d: %w", c.Ref(), c.Version, err)
		}
	}
	return ports.CredentialKey{Credential: c, Key: key, APIKey: apiKey}, nil
}

func (p *CachedKeyProvider) fresh(e keyCacheEntry) bool {
	return p.ttl > 0 && p.now().Sub(e.loadedAt) < p.ttl
}
