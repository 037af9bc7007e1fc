package provider

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrUnknownProvider = errors.New("unknown OIDC provider domain")
	// ErrCognitoServiceEndpoint is raised when the configured domain is the
	// Cognito service endpoint rather than the User Pool hosted-UI domain.
	ErrCognitoServiceEndpoint = errors.New("cognito domain must be the User Pool hosted-UI domain (e.g. 'my-domain.auth.us-east-1.amazoncognito.com'), not the identity-pool/user-pool service endpoint")
)

type Type string

const (
	Okta      Type = "okta"
	Auth0     Type = "auth0"
	Azure     Type = "azure"
	JumpCloud Type = "jumpcloud"
	Cognito   Type = "cognito"
)

// Shape carries the fixed endpoint templates for one of the five supported
// OIDC providers. Selected once at startup and threaded through as plain data.
type Shape struct {
	Type          Type
	Name          string
	AuthorizePath string
	TokenPath     string
	Scopes        string
	ResponseType  string
	ResponseMode  string
	// ExtraAuthorizeParams are provider-specific authorize query additions.
	ExtraAuthorizeParams map[string]string
}

var shapes = map[Type]Shape{
	Okta: {
		Type:          Okta,
		Name:          "Okta",
		AuthorizePath: "/oauth2/v1/authorize",
		TokenPath:     "/oauth2/v1/token",
		Scopes:        "openid profile email",
		ResponseType:  "code",
		ResponseMode:  "query",
	},
	Auth0: {
		Type:          Auth0,
		Name:          "Auth0",
		AuthorizePath: "/authorize",
		TokenPath:     "/oauth/token",
		Scopes:        "openid profile email",
		ResponseType:  "code",
		ResponseMode:  "query",
	},
	Azure: {
		Type:          Azure,
		Name:          "Azure AD",
		AuthorizePath: "/oauth2/v2.0/authorize",
		TokenPath:     "/oauth2/v2.0/token",
		Scopes:        "openid profile email",
		ResponseType:  "code",
		ResponseMode:  "query",
		ExtraAuthorizeParams: map[string]string{
			"prompt": "select_account",
		},
	},
	JumpCloud: {
		Type:          JumpCloud,
		Name:          "JumpCloud",
		AuthorizePath: "/oauth2/auth",
		TokenPath:     "/oauth2/token",
		Scopes:        "openid profile email",
		ResponseType:  "code",
		ResponseMode:  "query",
	},
	Cognito: {
		Type:          Cognito,
		Name:          "Amazon Cognito",
		AuthorizePath: "/oauth2/authorize",
		TokenPath:     "/oauth2/token",
		Scopes:        "openid profile email",
		ResponseType:  "code",
		ResponseMode:  "query",
	},
}

// suffix table - an exact hostname match on the bare suffix also counts
var suffixes = []struct {
	suffix string
	typ    Type
}{
	{"okta.com", Okta},
	{"auth0.com", Auth0},
	{"microsoftonline.com", Azure},
	{"windows.net", Azure},
	{"jumpcloud.com", JumpCloud},
	{"amazoncognito.com", Cognito},
}

// Resolve determines which provider shape applies to a configured domain by
// hostname suffix. No match is a hard error - silently defaulting would let a
// mistyped domain redirect the login to an unintended endpoint.
func Resolve(domain string) (Shape, error) {
	host, err := hostname(domain)
	if err != nil {
		return Shape{}, fmt.Errorf("cannot parse provider domain %q: %w", domain, err)
	}
	for _, s := range suffixes {
		if host == s.suffix || strings.HasSuffix(host, "."+s.suffix) {
			return shapes[s.typ], nil
		}
	}
	// Surface a corrective message for the common misconfiguration of using
	// the cognito-idp service endpoint instead of the hosted-UI domain.
	if strings.HasPrefix(host, "cognito-idp.") || (strings.Contains(host, "cognito") && strings.HasSuffix(host, ".amazonaws.com")) {
		return Shape{}, fmt.Errorf("%q: %w", domain, ErrCognitoServiceEndpoint)
	}
	return Shape{}, fmt.Errorf("%q: %w", domain, ErrUnknownProvider)
}

// ShapeFor returns the shape for an explicitly configured provider type.
func ShapeFor(t Type) (Shape, bool) {
	s, ok := shapes[t]
	return s, ok
}

// BaseURL normalises the configured domain into the https base all endpoint
// paths are appended to. Azure domains may carry a redundant /v2.0 path
// segment which is stripped (the endpoint templates already include it).
func (s Shape) BaseURL(domain string) string {
	d := strings.TrimSpace(domain)
	if !strings.Contains(d, "://") {
		d = "https://" + d
	}
	d = strings.TrimRight(d, "/")
	if s.Type == Azure {
		d = strings.TrimSuffix(d, "/v2.0")
	}
	return d
}

func (s Shape) AuthorizeEndpoint(domain string) string {
	return s.BaseURL(domain) + s.AuthorizePath
}

func (s Shape) TokenEndpoint(domain string) string {
	return s.BaseURL(domain) + s.TokenPath
}

func hostname(domain string) (string, error) {
	d := strings.TrimSpace(domain)
	if d == "" {
		return "", errors.New("empty domain")
	}
	if !strings.Contains(d, "://") {
		d = "https://" + d
	}
	u, err := url.Parse(d)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("no hostname in domain")
	}
	return host, nil
}
