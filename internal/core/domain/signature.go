package domain

import "sort"

// DigestAlgorithm names the hash used by a signature scheme.
type DigestAlgorithm string

const (
	DigestMD5        DigestAlgorithm = "md5"
	DigestSHA256     DigestAlgorithm = "sha256"
	DigestBlake2b256 DigestAlgorithm = "blake2b-256"
	// DigestHMACSHA256 keys the outer digest with the raw merchant key.
	DigestHMACSHA256 DigestAlgorithm = "hmac-sha256"
)

// KeyField marks the position of the hashed merchant key in a field order.
const KeyField = "{key}"

// SignatureScheme is a named, versioned description of how a digest is
// built: which fields, in which order, and which normalizations apply.
type SignatureScheme struct {
	Name      string
	Version   string
	Algorithm DigestAlgorithm
	// Fields is the concatenation order. KeyField stands for the key digest.
	Fields []string
	// Optional fields contribute an empty string when absent.
	Optional []string
	// Lowercase fields are lower-cased before concatenation.
	Lowercase []string
	// Required lists parameters that must be present in the raw request,
	// including ones that are not signed (e.g. the signature itself).
	Required []string
}

func (s SignatureScheme) IsOptional(field string) bool {
	return contains(s.Optional, field)
}

func (s SignatureScheme) IsLowercased(field string) bool {
	return contains(s.Lowercase, field)
}

// Callback and outbound request parameter names, as the gateway spells them.
const (
	ParamMerchantID    = "merchantID"
	ParamOrderID       = "orderID"
	ParamClientID      = "clientID"
	ParamSuccess       = "success"
	ParamAmount        = "amount"
	ParamCurrency      = "currency"
	ParamSignature     = "signature"
	ParamDetail        = "detail"
	ParamResult        = "result"
	ParamReplyURL      = "replyURL"
	ParamBackofficeURL = "backofficeURL"
)

var callbackFields = []string{
	ParamSuccess, ParamClientID, ParamOrderID, KeyField, ParamAmount, ParamCurrency, ParamMerchantID,
}

var callbackRequired = []string{
	ParamMerchantID, ParamOrderID, ParamSuccess, ParamAmount, ParamCurrency, ParamClientID, ParamSignature,
}

var builtinSchemes = map[string]SignatureScheme{
	"callback-md5-v1": {
		Name: "callback-md5-v1", Version: "1.0", Algorithm: DigestMD5,
		Fields: callbackFields, Lowercase: []string{ParamOrderID}, Required: callbackRequired,
	},
	"callback-sha256-v2": {
		Name: "callback-sha256-v2", Version: "2.0", Algorithm: DigestSHA256,
		Fields: callbackFields, Lowercase: []string{ParamOrderID}, Required: callbackRequired,
	},
	"callback-hmac-sha256-v3": {
		Name: "callback-hmac-sha256-v3", Version: "3.0", Algorithm: DigestHMACSHA256,
		Fields: callbackFields, Lowercase: []string{ParamOrderID}, Required: callbackRequired,
	},
	"callback-blake2b-v4": {
		Name: "callback-blake2b-v4", Version: "4.0", Algorithm: DigestBlake2b256,
		Fields: callbackFields, Lowercase: []string{ParamOrderID}, Required: callbackRequired,
	},
	"request-md5-v1": {
		Name: "request-md5-v1", Version: "1.0", Algorithm: DigestMD5,
		Fields: []string{
			ParamClientID, ParamOrderID, KeyField, ParamAmount, ParamCurrency, ParamReplyURL, ParamBackofficeURL,
		},
		Optional:  []string{ParamClientID, ParamReplyURL, ParamBackofficeURL},
		Lowercase: []string{ParamOrderID},
		Required:  []string{ParamOrderID, ParamAmount, ParamCurrency},
	},
	"query-md5-v1": {
		Name: "query-md5-v1", Version: "1.0", Algorithm: DigestMD5,
		Fields:    []string{ParamMerchantID, ParamOrderID, KeyField},
		Lowercase: []string{ParamOrderID},
		Required:  []string{ParamMerchantID, ParamOrderID},
	},
}

// LookupScheme returns a built-in scheme by name.
func LookupScheme(name string) (SignatureScheme, bool) {
	s, ok := builtinSchemes[name]
	return s, ok
}

// SchemeNames lists the built-in scheme names in sorted order.
func SchemeNames() []string {
	names := make([]string, 0, len(builtinSchemes))
	for n := range builtinSchemes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
