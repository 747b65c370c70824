package service

import (
	"context"
	"fmt"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/apperror"
)

// RequestSignerImpl implements ports.RequestSigner.
type RequestSignerImpl struct {
	keys    ports.KeyProvider
	codec   ports.SignatureCodec
	schemes map[domain.RequestKind]domain.SignatureScheme
}

// NewRequestSigner creates a signer using the named payment and query schemes.
func NewRequestSigner(keys ports.KeyProvider, codec ports.SignatureCodec, paymentScheme, queryScheme string) (*RequestSignerImpl, error) {
	s := &RequestSignerImpl{keys: keys, codec: codec, schemes: make(map[domain.RequestKind]domain.SignatureScheme, 2)}
	for kind, name := range map[domain.RequestKind]string{
		domain.RequestKindPayment: paymentScheme,
		domain.RequestKindQuery:   queryScheme,
	} {
		scheme, ok := domain.LookupScheme(name)
		if !ok {
			return nil, fmt.Errorf("unknown %s signature scheme %q", kind, name)
		}
		s.schemes[kind] = scheme
	}
	return s, nil
}

// Sign copies fields, fills in the gateway merchant ID from the active
// credential and adds the signature parameter.
func (s *RequestSignerImpl) Sign(ctx context.Context, kind domain.RequestKind, fields map[string]string, ref domain.MerchantKeyRef) (*domain.SignedRequest, error) {
	scheme, ok := s.schemes[kind]
	if !ok {
		return nil, apperror.Validation(fmt.Sprintf("unsupported request kind %q", kind))
	}

	key, err := s.keys.ActiveKey(ctx, ref)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	if key == nil {
		return nil, apperror.ErrUnknownMerchant()
	}

	out := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out[domain.ParamMerchantID] = key.Credential.GatewayMerchantID

	for _, f := range scheme.Required {
		if out[f] == "" {
			return nil, apperror.Validation("missing " + f)
		}
	}

	sig, err := s.codec.Compute(scheme, out, key.Key)
	if err != nil {
		return nil, fmt.Errorf("sign %s request: %w", kind, err)
	}
	out[domain.ParamSignature] = sig

	return &domain.SignedRequest{
		Ref:               ref,
		Scheme:            scheme.Name,
		SignatureVersion:  scheme.Version,
		Signature:         sig,
		Fields:            out,
		GatewayMerchantID: key.Credential.GatewayMerchantID,
		GatewayURL:        key.Credential.GatewayURL,
		APIKey:            key.APIKey,
	}, nil
}
