package service

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/pkg/apperror"

	"golang.org/x/crypto/blake2b"
)

// DigestSignatureCodec implements ports.SignatureCodec for every DigestAlgorithm.
type DigestSignatureCodec struct{}

// NewSignatureCodec creates a new signature codec.
func NewSignatureCodec() *DigestSignatureCodec {
	return &DigestSignatureCodec{}
}

// Compute builds the canonical string for scheme and returns its lowercase
// hex digest. The merchant key only enters the payload as a digest.
func (c *DigestSignatureCodec) Compute(scheme domain.SignatureScheme, fields map[string]string, key string) (string, error) {
	if key == "" {
		return "", errors.New("empty merchant key")
	}
	payload, err := c.Canonical(scheme, fields, key)
	if err != nil {
		return "", err
	}
	return digest(scheme.Algorithm, key, payload)
}

// Verify recomputes the digest and compares it with candidate in constant time.
// The comparison is case-insensitive on the hex candidate.
func (c *DigestSignatureCodec) Verify(scheme domain.SignatureScheme, fields map[string]string, key, candidate string) (bool, error) {
	expected, err := c.Compute(scheme, fields, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(candidate))), nil
}

// Canonical concatenates the scheme's fields in order.
// Format: f1 + f2 + ... with KeyField replaced by H(key).
func (c *DigestSignatureCodec) Canonical(scheme domain.SignatureScheme, fields map[string]string, key string) (string, error) {
	var b strings.Builder
	for _, name := range scheme.Fields {
		if name == domain.KeyField {
			kd, err := keyDigest(scheme.Algorithm, key)
			if err != nil {
				return "", err
			}
			b.WriteString(kd)
			continue
		}

		v, ok := fields[name]
		if !ok && !scheme.IsOptional(name) {
			return "", apperror.ErrMalformedRequest("missing " + name)
		}
		if scheme.IsLowercased(name) {
			v = strings.ToLower(v)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

func keyDigest(alg domain.DigestAlgorithm, key string) (string, error) {
	switch alg {
	case domain.DigestMD5:
		sum := md5.Sum([]byte(key))
		return hex.EncodeToString(sum[:]), nil
	case domain.DigestSHA256, domain.DigestHMACSHA256:
		sum := sha256.Sum256([]byte(key))
		return hex.EncodeToString(sum[:]), nil
	case domain.DigestBlake2b256:
		sum := blake2b.Sum256([]byte(key))
		return hex.EncodeToString(sum[:]), nil
	}
	return "", fmt.Errorf("unsupported digest algorithm %q", alg)
}

func digest(alg domain.DigestAlgorithm, key, payload string) (string, error) {
	switch alg {
	case domain.DigestMD5:
		sum := md5.Sum([]byte(payload))
		return hex.EncodeToString(sum[:]), nil
	case domain.DigestSHA256:
		sum := sha256.Sum256([]byte(payload))
		return hex.EncodeToString(sum[:]), nil
	case domain.DigestBlake2b256:
		sum := blake2b.Sum256([]byte(payload))
		return hex.EncodeToString(sum[:]), nil
	case domain.DigestHMACSHA256:
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write([]byte(payload))
		return hex.EncodeToString(mac.Sum(nil)), nil
	}
	return "", fmt.Errorf("unsupported digest algorithm %q", alg)
}
