package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var callbackParamAliases = map[string]string{
	"merchantId": ParamMerchantID,
	"orderId":    ParamOrderID,
	"clientId":   ParamClientID,
}

// NormalizeCallbackParams maps alias spellings onto canonical parameter names
// and trims surrounding whitespace. A canonical key wins over its alias.
func NormalizeCallbackParams(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if canonical, ok := callbackParamAliases[k]; ok {
			if _, exists := raw[canonical]; exists {
				continue
			}
			k = canonical
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// CallbackEnvelope is the raw notification as received, before it is trusted.
type CallbackEnvelope struct {
	Params            map[string]string
	DeclaredSignature string
	ComputedSignature string
	Scheme            string
}

// ValidatedCallback is a callback whose signature matched a merchant key.
type ValidatedCallback struct {
	MerchantID        string
	GatewayMerchantID string
	Mode              MerchantMode
	KeyVersion        int
	Scheme            string

	OrderID   string
	ClientID  string
	Amount    decimal.Decimal
	RawAmount string
	Currency  string
	Success   bool
	Detail    string
	Signature string

	Params     map[string]string
	ReceivedAt time.Time
}

// TargetStatus is the terminal status the callback asks for.
func (c *ValidatedCallback) TargetStatus() TransactionStatus {
	if c.Success {
		return TransactionStatusSuccess
	}
	return TransactionStatusFailed
}

// Fingerprint identifies a delivery; redeliveries of the same notification share it.
func (c *ValidatedCallback) Fingerprint() string {
	success := "N"
	if c.Success {
		success = "Y"
	}
	return strings.Join([]string{c.GatewayMerchantID, c.OrderID, success, strings.ToLower(c.Signature)}, "|")
}
