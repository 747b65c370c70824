package domain

import (
	"fmt"
	"time"
)

// MerchantStatus represents the state of a merchant account.
type MerchantStatus string

const (
	MerchantStatusActive    MerchantStatus = "ACTIVE"
	MerchantStatusSuspended MerchantStatus = "SUSPENDED"
)

// MerchantMode selects which gateway environment a credential targets.
type MerchantMode string

const (
	MerchantModeTest MerchantMode = "TEST"
	MerchantModeLive MerchantMode = "LIVE"
)

// Valid reports whether m is a known mode.
func (m MerchantMode) Valid() bool {
	return m == MerchantModeTest || m == MerchantModeLive
}

// Merchant owns credential pairs for the TEST and LIVE gateway environments.
type Merchant struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Mode      MerchantMode   `json:"mode"` // mode used for new payments
	Status    MerchantStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsActive returns true if the merchant account is active.
func (m *Merchant) IsActive() bool {
	return m.Status == MerchantStatusActive
}

// MerchantCredential is one version of the key material for a merchant and mode.
// Key and API key are stored encrypted; the plaintext only lives in memory.
type MerchantCredential struct {
	MerchantID        string       `json:"merchant_id"`
	Mode              MerchantMode `json:"mode"`
	Version           int          `json:"version"`
	GatewayMerchantID string       `json:"gateway_merchant_id"`
	GatewayURL        string       `json:"gateway_url"`
	KeyEnc            string       `json:"-"`
	APIKeyEnc         string       `json:"-"`
	CreatedAt         time.Time    `json:"created_at"`
	RetiredAt         *time.Time   `json:"retired_at,omitempty"`
}

// IsCurrent reports whether the credential has not been rotated out.
func (c *MerchantCredential) IsCurrent() bool {
	return c.RetiredAt == nil
}

// AcceptableAt reports whether the credential may verify callbacks at now,
// given the rotation grace window.
func (c *MerchantCredential) AcceptableAt(now time.Time, grace time.Duration) bool {
	if c.RetiredAt == nil {
		return true
	}
	return now.Sub(*c.RetiredAt) <= grace
}

// Ref returns the reference used to sign outbound requests with this credential.
func (c *MerchantCredential) Ref() MerchantKeyRef {
	return MerchantKeyRef{MerchantID: c.MerchantID, Mode: c.Mode}
}

// MerchantKeyRef identifies the credential slot a request is signed with.
type MerchantKeyRef struct {
	MerchantID string
	Mode       MerchantMode
}

func (r MerchantKeyRef) String() string {
	return r.MerchantID + ":" + string(r.Mode)
}

// SecretAAD is the additional authenticated data binding an encrypted secret
// to this credential, so ciphertexts cannot be swapped between rows.
func (c *MerchantCredential) SecretAAD(field string) string {
	return fmt.Sprintf("%s:%s:v%d:%s", c.MerchantID, c.Mode, c.Version, field)
}
