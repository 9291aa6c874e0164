package auth

import (
	"errors"
	"strings"
)

// CredentialKind tags the variant held by a Credential.
type CredentialKind int

const (
	CredentialNone CredentialKind = iota
	CredentialBearer
	CredentialAPIKey
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialBearer:
		return "bearer"
	case CredentialAPIKey:
		return "api_key"
	default:
		return "none"
	}
}

// Credential is a caller-presented secret, classified once at the edge.
type Credential struct {
	Kind   CredentialKind
	Secret string
}

var (
	errNoCredential     = errors.New("missing credentials")
	errBadAuthorization = errors.New("invalid authorization scheme")
)

// ParseCredential classifies the Authorization and X-API-Key header values.
// An API key header wins; a bearer value carrying the API key prefix is
// treated as an API key.
func ParseCredential(authorization, apiKey string) (Credential, error) {
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		return Credential{Kind: CredentialAPIKey, Secret: apiKey}, nil
	}
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return Credential{}, errNoCredential
	}
	scheme, value, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return Credential{}, errBadAuthorization
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Credential{}, errNoCredential
	}
	if strings.HasPrefix(value, APIKeyPrefix) {
		return Credential{Kind: CredentialAPIKey, Secret: value}, nil
	}
	return Credential{Kind: CredentialBearer, Secret: value}, nil
}
