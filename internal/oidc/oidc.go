package oidc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DevLabFoundry/claude-code-auth/internal/debug"
	"github.com/DevLabFoundry/claude-code-auth/internal/provider"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultRedirectPort is overridable via REDIRECT_PORT.
	DefaultRedirectPort = 8400
	// CallbackTimeout bounds the user-interaction window.
	CallbackTimeout = 300 * time.Second

	tokenExchangeTimeout = 30 * time.Second
)

var (
	ErrAuthTimeout         = errors.New("timed out waiting for the browser callback")
	ErrNonceMismatch       = errors.New("nonce in ID token does not match the authorization request")
	ErrTokenExchangeFailed = errors.New("token endpoint rejected the code exchange")
)

// PKCE is one proof-key pair: challenge = base64url(sha256(verifier)), S256.
type PKCE struct {
	Verifier  string
	Challenge string
}

func GeneratePKCE() (PKCE, error) {
	verifier, err := randomToken(32)
	if err != nil {
		return PKCE{}, err
	}
	sum := sha256.Sum256([]byte(verifier))
	return PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// randomToken returns n random bytes as unpadded url-safe base64.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cannot read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// LoginInput carries everything one browser round-trip needs.
type LoginInput struct {
	Shape             provider.Shape
	Domain            string
	ClientID          string
	Port              int
	BrowserExecutable string
}

// Result is the validated outcome of one authentication round-trip.
type Result struct {
	IDToken string
	Claims  jwt.MapClaims
}

// Login runs the authorization-code-with-PKCE dance: bind the local callback
// listener, open the browser, catch the redirect, exchange the code and
// validate the nonce. The listener is bound before the browser opens so the
// redirect can never race the server start.
func Login(ctx context.Context, in LoginInput) (*Result, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := randomToken(16)
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken(16)
	if err != nil {
		return nil, err
	}

	redirectURI := fmt.Sprintf("http://localhost:%d/callback", in.Port)
	authURL := authorizeURL(in, redirectURI, state, nonce, pkce.Challenge)

	srv, err := newCallbackServer(in.Port, state)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	debug.Logf("opening browser for %s authentication", in.Shape.Name)
	debug.Logf("if the browser does not open, visit: %s", authURL)
	if err := OpenBrowser(authURL, in.BrowserExecutable); err != nil {
		// the URL was already printed in debug mode - the user can still
		// complete the login manually
		debug.Logf("failed to open browser: %v", err)
	}

	code, err := srv.wait(ctx, CallbackTimeout)
	if err != nil {
		return nil, err
	}

	idToken, err := exchangeCode(ctx, in, redirectURI, code, pkce.Verifier)
	if err != nil {
		return nil, err
	}

	claims, err := DecodeClaims(idToken)
	if err != nil {
		return nil, err
	}
	if got, ok := claims["nonce"].(string); ok && got != nonce {
		return nil, ErrNonceMismatch
	}
	debug.Logf("authenticated, token claims: sub=%v email=%v iss=%v",
		claims["sub"], claims["email"], claims["iss"])

	return &Result{IDToken: idToken, Claims: claims}, nil
}

func authorizeURL(in LoginInput, redirectURI, state, nonce, challenge string) string {
	q := url.Values{}
	q.Set("client_id", in.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", in.Shape.ResponseType)
	q.Set("response_mode", in.Shape.ResponseMode)
	q.Set("scope", in.Shape.Scopes)
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	for k, v := range in.Shape.ExtraAuthorizeParams {
		q.Set(k, v)
	}
	return in.Shape.AuthorizeEndpoint(in.Domain) + "?" + q.Encode()
}

type tokenResponse struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func exchangeCode(ctx context.Context, in LoginInput, redirectURI, code, verifier string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", in.ClientID)
	form.Set("code_verifier", verifier)

	endpoint := in.Shape.TokenEndpoint(in.Domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: tokenExchangeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned %d: %s", ErrTokenExchangeFailed, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("%w: malformed token response: %v", ErrTokenExchangeFailed, err)
	}
	if tok.IDToken == "" {
		return "", fmt.Errorf("%w: response carried no id_token", ErrTokenExchangeFailed)
	}
	return tok.IDToken, nil
}

// DecodeClaims parses a JWT without verifying its signature. Trust is
// established transitively by the authorize/token round-trip over TLS with
// the registered client; full JWKS verification is out of scope for this
// client. The nonce claim IS still checked by the caller.
func DecodeClaims(idToken string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("cannot decode ID token: %w", err)
	}
	return claims, nil
}

// TokenExpiry returns the exp claim as a unix timestamp, zero if absent.
func TokenExpiry(claims jwt.MapClaims) int64 {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Unix()
}
