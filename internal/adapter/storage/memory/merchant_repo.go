package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"payment-callback-gateway/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// MerchantRepo implements ports.MerchantRepository.
type MerchantRepo struct {
	mu          sync.RWMutex
	merchants   map[string]domain.Merchant
	credentials []domain.MerchantCredential
}

func NewMerchantRepo() *MerchantRepo {
	return &MerchantRepo{merchants: make(map[string]domain.Merchant)}
}

func (r *MerchantRepo) Create(ctx context.Context, _ pgx.Tx, m *domain.Merchant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.merchants[m.ID]; exists {
		return fmt.Errorf("merchant %s already exists", m.ID)
	}
	r.merchants[m.ID] = *m
	return nil
}

func (r *MerchantRepo) GetByID(ctx context.Context, id string) (*domain.Merchant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.merchants[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *MerchantRepo) CreateCredential(ctx context.Context, _ pgx.Tx, c *domain.MerchantCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.credentials {
		if existing.MerchantID == c.MerchantID && existing.Mode == c.Mode {
			if existing.Version == c.Version {
				return fmt.Errorf("credential %s v%d already exists", c.Ref(), c.Version)
			}
			if c.IsCurrent() && existing.IsCurrent() {
				return fmt.Errorf("credential %s already has an active version", c.Ref())
			}
		}
	}
	r.credentials = append(r.credentials, copyCredential(*c))
	return nil
}

func (r *MerchantRepo) RetireCredential(ctx context.Context, _ pgx.Tx, merchantID string, mode domain.MerchantMode, version int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.credentials {
		c := &r.credentials[i]
		if c.MerchantID == merchantID && c.Mode == mode && c.Version == version && c.IsCurrent() {
			retired := at
			c.RetiredAt = &retired
			return nil
		}
	}
	return fmt.Errorf("no active credential %s:%s v%d", merchantID, mode, version)
}

func (r *MerchantRepo) GetActiveCredential(ctx context.Context, merchantID string, mode domain.MerchantMode) (*domain.MerchantCredential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *domain.MerchantCredential
	for i := range r.credentials {
		c := r.credentials[i]
		if c.MerchantID == merchantID && c.Mode == mode && c.IsCurrent() {
			if best == nil || c.Version > best.Version {
				cp := copyCredential(c)
				best = &cp
			}
		}
	}
	return best, nil
}

func (r *MerchantRepo) ListCredentials(ctx context.Context, gatewayMerchantID string) ([]domain.MerchantCredential, error) {
	out := r.filter(func(c domain.MerchantCredential) bool { return c.GatewayMerchantID == gatewayMerchantID })
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (r *MerchantRepo) ListMerchantCredentials(ctx context.Context, merchantID string) ([]domain.MerchantCredential, error) {
	out := r.filter(func(c domain.MerchantCredential) bool { return c.MerchantID == merchantID })
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Mode != out[j].Mode {
			return out[i].Mode < out[j].Mode
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (r *MerchantRepo) filter(keep func(domain.MerchantCredential) bool) []domain.MerchantCredential {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.MerchantCredential
	for _, c := range r.credentials {
		if keep(c) {
			out = append(out, copyCredential(c))
		}
	}
	return out
}

func copyCredential(c domain.MerchantCredential) domain.MerchantCredential {
	if c.RetiredAt != nil {
		t := *c.RetiredAt
		c.RetiredAt = &t
	}
	return c
}
