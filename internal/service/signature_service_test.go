package service

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"testing"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func callbackScheme(t *testing.T, name string) domain.SignatureScheme {
	t.Helper()
	s, ok := domain.LookupScheme(name)
	require.True(t, ok, name)
	return s
}

func sampleCallbackFields() map[string]string {
	return map[string]string{
		"success":    "Y",
		"clientID":   "C1",
		"orderID":    "ABC123",
		"amount":     "10.00",
		"currency":   "USD",
		"merchantID": "M1",
	}
}

func TestSignatureCodec_ReferenceScenario(t *testing.T) {
	codec := NewSignatureCodec()
	scheme := callbackScheme(t, "callback-md5-v1")

	expected := md5Hex("Y" + "C1" + "abc123" + md5Hex("1234567890") + "10.00" + "USD" + "M1")

	sig, err := codec.Compute(scheme, sampleCallbackFields(), "1234567890")
	require.NoError(t, err)
	assert.Equal(t, expected, sig)

	ok, err := codec.Verify(scheme, sampleCallbackFields(), "1234567890", expected)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = codec.Verify(scheme, sampleCallbackFields(), "1234567890", strings.ToUpper(expected))
	require.NoError(t, err)
	assert.True(t, ok, "hex comparison is case-insensitive")
}

func TestSignatureCodec_RoundTripAllSchemes(t *testing.T) {
	codec := NewSignatureCodec()
	for _, name := range []string{"callback-md5-v1", "callback-sha256-v2", "callback-hmac-sha256-v3", "callback-blake2b-v4"} {
		t.Run(name, func(t *testing.T) {
			scheme := callbackScheme(t, name)
			sig, err := codec.Compute(scheme, sampleCallbackFields(), "k3y")
			require.NoError(t, err)
			assert.Regexp(t, `^[0-9a-f]+$`, sig)

			ok, err := codec.Verify(scheme, sampleCallbackFields(), "k3y", sig)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestSignatureCodec_SingleFieldFlipFails(t *testing.T) {
	codec := NewSignatureCodec()
	scheme := callbackScheme(t, "callback-md5-v1")
	sig, err := codec.Compute(scheme, sampleCallbackFields(), "1234567890")
	require.NoError(t, err)

	flips := map[string]string{
		"success":    "N",
		"clientID":   "C2",
		"orderID":    "ABC124",
		"amount":     "10.01",
		"currency":   "EUR",
		"merchantID": "M2",
	}
	for field, value := range flips {
		t.Run(field, func(t *testing.T) {
			fields := sampleCallbackFields()
			fields[field] = value
			ok, err := codec.Verify(scheme, fields, "1234567890", sig)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	ok, err := codec.Verify(scheme, sampleCallbackFields(), "1234567891", sig)
	require.NoError(t, err)
	assert.False(t, ok, "wrong key")
}

func TestSignatureCodec_OrderIDCaseIsNormalized(t *testing.T) {
	codec := NewSignatureCodec()
	scheme := callbackScheme(t, "callback-md5-v1")

	upper, err := codec.Compute(scheme, sampleCallbackFields(), "key")
	require.NoError(t, err)

	fields := sampleCallbackFields()
	fields["orderID"] = "abc123"
	lower, err := codec.Compute(scheme, fields, "key")
	require.NoError(t, err)

	assert.Equal(t, upper, lower)
}

func TestSignatureCodec_HMACKeysOuterDigest(t *testing.T) {
	codec := NewSignatureCodec()
	scheme := callbackScheme(t, "callback-hmac-sha256-v3")

	keySum := sha256.Sum256([]byte("secret"))
	payload := "Y" + "C1" + "abc123" + hex.EncodeToString(keySum[:]) + "10.00" + "USD" + "M1"
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(payload))

	sig, err := codec.Compute(scheme, sampleCallbackFields(), "secret")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestSignatureCodec_MissingRequiredField(t *testing.T) {
	codec := NewSignatureCodec()
	scheme := callbackScheme(t, "callback-md5-v1")

	fields := sampleCallbackFields()
	delete(fields, "currency")

	_, err := codec.Compute(scheme, fields, "key")
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.CodeMalformedRequest))

	_, err = codec.Verify(scheme, fields, "key", "deadbeef")
	assert.True(t, apperror.Is(err, apperror.CodeMalformedRequest))
}

func TestSignatureCodec_OptionalFieldsContributeEmpty(t *testing.T) {
	codec := NewSignatureCodec()
	scheme := callbackScheme(t, "request-md5-v1")

	fields := map[string]string{"orderID": "ORD-9", "amount": "10", "currency": "USD"}
	sig, err := codec.Compute(scheme, fields, "key")
	require.NoError(t, err)
	assert.Equal(t, md5Hex("ord-9"+md5Hex("key")+"10"+"USD"), sig)
}

func TestSignatureCodec_EmptyKey(t *testing.T) {
	codec := NewSignatureCodec()
	_, err := codec.Compute(callbackScheme(t, "callback-md5-v1"), sampleCallbackFields(), "")
	assert.Error(t, err)
}

func TestSignatureCodec_UnknownAlgorithm(t *testing.T) {
	codec := NewSignatureCodec()
	scheme := domain.SignatureScheme{Name: "x", Algorithm: "crc32", Fields: []string{"orderID", domain.KeyField}}
	_, err := codec.Compute(scheme, map[string]string{"orderID": "1"}, "key")
	assert.Error(t, err)
}

// TestSignatureCodec_TimingIndependence compares verification time for a
// candidate that differs in the first hex digit against one that differs in
// the last. A short-circuiting comparison would make the former faster.
func TestSignatureCodec_TimingIndependence(t *testing.T) {
	if testing.Short() {
		t.Skip("statistical timing test")
	}

	codec := NewSignatureCodec()
	scheme := callbackScheme(t, "callback-md5-v1")
	fields := sampleCallbackFields()
	sig, err := codec.Compute(scheme, fields, "1234567890")
	require.NoError(t, err)

	flip := func(c byte) byte {
		if c == '0' {
			return '1'
		}
		return '0'
	}
	early := []byte(sig)
	early[0] = flip(early[0])
	late := []byte(sig)
	late[len(late)-1] = flip(late[len(late)-1])

	const rounds = 2000
	measure := func(candidate string) time.Duration {
		samples := make([]time.Duration, rounds)
		for i := range samples {
			start := time.Now()
			_, _ = codec.Verify(scheme, fields, "1234567890", candidate)
			samples[i] = time.Since(start)
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		return samples[rounds/2]
	}

	// warm up
	measure(string(late))

	earlyMedian := measure(string(early))
	lateMedian := measure(string(late))

	ratio := float64(earlyMedian) / float64(lateMedian)
	assert.InDelta(t, 1.0, ratio, 0.5, "early=%v late=%v", earlyMedian, lateMedian)
}
