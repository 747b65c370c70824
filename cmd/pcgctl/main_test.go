package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference callback ABC123/Y/USD/C1/10.00/M1 signed with key 1234567890.
const referenceSignature = "f777f9154560f2f6802fc31635400bf2"

var referenceFields = []string{
	"merchantID=M1", "orderID=ABC123", "success=Y",
	"amount=10.00", "currency=USD", "clientID=C1",
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestSign(t *testing.T) {
	out, _, err := run(t, append([]string{"sign", "--key", "1234567890"}, referenceFields...)...)
	require.NoError(t, err)
	assert.Equal(t, referenceSignature+"\n", out)
}

func TestSign_Canonical(t *testing.T) {
	out, _, err := run(t, append([]string{"sign", "-k", "1234567890", "--canonical"}, referenceFields...)...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "YC1abc123e807f1fcf82d132f9bb018ca6738a19f10.00USDM1", lines[0])
	assert.Equal(t, referenceSignature, lines[1])
}

func TestSign_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing key flag", []string{"sign", "orderID=1"}},
		{"unknown scheme", []string{"sign", "-k", "x", "-s", "nope", "orderID=1"}},
		{"bad field", []string{"sign", "-k", "x", "orderID"}},
		{"missing required field", []string{"sign", "-k", "1234567890", "orderID=1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestVerify(t *testing.T) {
	args := append([]string{"verify", "-k", "1234567890", "--signature", strings.ToUpper(referenceSignature)}, referenceFields...)
	out, _, err := run(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "signature valid")

	// The signature may also travel as a field, as in a raw callback.
	args = append([]string{"verify", "-k", "1234567890", "signature=" + referenceSignature}, referenceFields...)
	_, _, err = run(t, args...)
	require.NoError(t, err)

	args = append([]string{"verify", "-k", "wrong-key", "--signature", referenceSignature}, referenceFields...)
	_, _, err = run(t, args...)
	assert.EqualError(t, err, "signature mismatch")

	_, _, err = run(t, append([]string{"verify", "-k", "1234567890"}, referenceFields...)...)
	assert.Error(t, err)
}

func TestSchemes(t *testing.T) {
	out, _, err := run(t, "schemes")
	require.NoError(t, err)
	for _, name := range []string{"callback-md5-v1", "callback-hmac-sha256-v3", "request-md5-v1", "query-md5-v1"} {
		assert.Contains(t, out, name)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestToken(t *testing.T) {
	path := writeConfig(t, "jwt:\n  secret: cli-test-secret\n  issuer: pcg-cli\n  expiry: 1h\n")

	out, errOut, err := run(t, "token", "--config", path, "--subject", "alice", "--role", "admin")
	require.NoError(t, err)
	assert.Contains(t, errOut, "expires")

	claims, err := service.NewJWTTokenService("cli-test-secret", time.Hour, "pcg-cli").Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, ports.RoleAdmin, claims.Role)
}

func TestToken_Errors(t *testing.T) {
	withSecret := writeConfig(t, "jwt:\n  secret: cli-test-secret\n")
	noSecret := writeConfig(t, "log:\n  level: error\n")

	_, _, err := run(t, "token", "--config", withSecret)
	assert.Error(t, err, "subject is required")

	_, _, err = run(t, "token", "--config", withSecret, "--subject", "alice", "--role", "root")
	assert.Error(t, err)

	_, _, err = run(t, "token", "--config", noSecret, "--subject", "alice")
	assert.EqualError(t, err, "jwt.secret is not configured")
}
