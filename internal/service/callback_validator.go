package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CallbackValidatorImpl implements ports.CallbackValidator.
// It never reads or writes transaction state.
type CallbackValidatorImpl struct {
	codec    ports.SignatureCodec
	keys     ports.KeyProvider
	schemes  []domain.SignatureScheme
	required []string
	now      func() time.Time
	log      zerolog.Logger
}

// NewCallbackValidator creates a validator that accepts any of the named
// schemes, tried in order.
func NewCallbackValidator(
	codec ports.SignatureCodec,
	keys ports.KeyProvider,
	schemeNames []string,
	log zerolog.Logger,
) (*CallbackValidatorImpl, error) {
	if len(schemeNames) == 0 {
		return nil, fmt.Errorf("no callback signature scheme configured")
	}

	v := &CallbackValidatorImpl{codec: codec, keys: keys, now: time.Now, log: log}
	seen := make(map[string]bool)
	for _, name := range schemeNames {
		s, ok := domain.LookupScheme(name)
		if !ok {
			return nil, fmt.Errorf("unknown signature scheme %q", name)
		}
		v.schemes = append(v.schemes, s)
		for _, f := range s.Required {
			if !seen[f] {
				seen[f] = true
				v.required = append(v.required, f)
			}
		}
	}
	return v, nil
}

// Validate normalizes raw parameters, checks presence and types, then tries
// every candidate key against every scheme. The first match wins.
func (v *CallbackValidatorImpl) Validate(ctx context.Context, raw map[string]string) (*domain.ValidatedCallback, error) {
	params := domain.NormalizeCallbackParams(raw)

	// merchantID and signature are checked first; nothing else is meaningful without them.
	for _, f := range []string{domain.ParamMerchantID, domain.ParamSignature} {
		if params[f] == "" {
			return nil, apperror.ErrMalformedRequest("missing " + f)
		}
	}
	for _, f := range v.required {
		if params[f] == "" {
			return nil, apperror.ErrMalformedRequest("missing " + f)
		}
	}

	amount, err := decimal.NewFromString(params[domain.ParamAmount])
	if err != nil || amount.IsNegative() {
		return nil, apperror.ErrMalformedRequest("invalid amount")
	}
	var success bool
	switch strings.ToUpper(params[domain.ParamSuccess]) {
	case "Y":
		success = true
	case "N":
	default:
		return nil, apperror.ErrMalformedRequest("invalid success flag")
	}

	gwMerchantID := params[domain.ParamMerchantID]
	declared := params[domain.ParamSignature]

	candidates, err := v.keys.CandidateKeys(ctx, gwMerchantID)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	if len(candidates) == 0 {
		v.log.Warn().Str("gateway_merchant_id", gwMerchantID).Msg("callback for unknown merchant")
		return nil, apperror.ErrUnknownMerchant()
	}

	for _, k := range candidates {
		for _, scheme := range v.schemes {
			ok, err := v.codec.Verify(scheme, params, k.Key, declared)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}

			cred := k.Credential
			if !cred.IsCurrent() {
				v.log.Info().
					Str("merchant_id", cred.MerchantID).
					Int("key_version", cred.Version).
					Msg("callback verified with retired key inside grace window")
			}
			return &domain.ValidatedCallback{
				MerchantID:        cred.MerchantID,
				GatewayMerchantID: gwMerchantID,
				Mode:              cred.Mode,
				KeyVersion:        cred.Version,
				Scheme:            scheme.Name,
				OrderID:           params[domain.ParamOrderID],
				ClientID:          params[domain.ParamClientID],
				Amount:            amount,
				RawAmount:         params[domain.ParamAmount],
				Currency:          strings.ToUpper(params[domain.ParamCurrency]),
				Success:           success,
				Detail:            params[domain.ParamDetail],
				Signature:         declared,
				Params:            params,
				ReceivedAt:        v.now(),
			}, nil
		}
	}

	v.log.Warn().
		Str("event", "possible_forgery").
		Str("gateway_merchant_id", gwMerchantID).
		Str("order_id", params[domain.ParamOrderID]).
		Int("candidate_keys", len(candidates)).
		Msg("callback signature mismatch")
	return nil, apperror.ErrSignatureMismatch()
}
