// Package quota is the pre-issuance policy gate: an HTTP check against a
// remote decision endpoint, resolved through a fail-open/fail-closed matrix
// so a flaky quota backend cannot become an outage vector on its own.
package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/DevLabFoundry/claude-code-auth/internal/config"
	"github.com/DevLabFoundry/claude-code-auth/internal/debug"
	"github.com/golang-jwt/jwt/v5"
)

const (
	FailModeOpen   = "open"
	FailModeClosed = "closed"

	// usage percentages at or above this trigger a non-blocking warning;
	// the percentages themselves are server-computed and trusted as-is
	warnThresholdPercent = 80
)

// Usage is the server-reported consumption snapshot.
type Usage struct {
	MonthlyTokens  int64   `json:"monthly_tokens"`
	MonthlyLimit   int64   `json:"monthly_limit"`
	MonthlyPercent float64 `json:"monthly_percent"`
	DailyTokens    int64   `json:"daily_tokens"`
	DailyLimit     int64   `json:"daily_limit"`
	DailyPercent   float64 `json:"daily_percent"`
}

// Policy identifies which quota policy produced the decision.
type Policy struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

// Decision is the transient verdict of one check. Only the check timestamp
// is persisted; the decision is re-derived every time.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Reason  string  `json:"reason"`
	Message string  `json:"message,omitempty"`
	Usage   *Usage  `json:"usage,omitempty"`
	Policy  *Policy `json:"policy,omitempty"`
}

// Gate checks a profile against its configured quota endpoint. A nil Gate is
// inert - every method is a no-op allow.
type Gate struct {
	endpoint string
	failMode string
	interval int // minutes; 0 = check every invocation
	client   *http.Client
}

// New returns nil when no endpoint is configured, which disables the gate.
func New(cfg *config.Profile) *Gate {
	if cfg.QuotaAPIEndpoint == "" {
		return nil
	}
	timeout := time.Duration(cfg.QuotaCheckTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gate{
		endpoint: strings.TrimRight(cfg.QuotaAPIEndpoint, "/"),
		failMode: cfg.QuotaFailMode,
		interval: cfg.QuotaInterval(),
		client:   &http.Client{Timeout: timeout},
	}
}

// Check fetches a decision for the identity carried by the ID token. The
// raw token travels as the bearer credential and the server derives identity
// from it alone - sending email/groups as parameters would let a client
// spoof someone else's allowance.
func (g *Gate) Check(idToken string, claims jwt.MapClaims) Decision {
	if g == nil {
		return Decision{Allowed: true, Reason: "not_configured"}
	}
	email := EmailClaim(claims)
	if email == "" {
		// a token without an email claim is a configuration issue, not a
		// quota violation - always fails open
		return Decision{Allowed: true, Reason: "no_email"}
	}
	debug.Logf("quota check for %s (groups: %v)", email, GroupsClaim(claims))

	req, err := http.NewRequest(http.MethodGet, g.endpoint+"/check", nil)
	if err != nil {
		return g.failDecision("error", err)
	}
	req.Header.Set("Authorization", "Bearer "+idToken)

	resp, err := g.client.Do(req)
	if err != nil {
		return g.failDecision(classifyTransportError(err), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return g.failDecision("error", err)
		}
		d := Decision{}
		if err := json.Unmarshal(body, &d); err != nil {
			return g.failDecision("error", err)
		}
		return d
	case http.StatusUnauthorized:
		return g.failDecision("jwt_invalid", fmt.Errorf("quota endpoint rejected the token"))
	default:
		return g.failDecision("api_error", fmt.Errorf("quota endpoint returned %d", resp.StatusCode))
	}
}

func classifyTransportError(err error) string {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) {
		return "connection_error"
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return "connection_error"
	}
	return "error"
}

// failDecision resolves any inability to reach or validate the endpoint
// through the configured fail mode. Nothing on this path may silently grant
// access: open-vs-closed is the single decision point.
func (g *Gate) failDecision(reason string, cause error) Decision {
	debug.Logf("quota check failed (%s): %v", reason, cause)
	return Decision{
		Allowed: g.failMode != FailModeClosed,
		Reason:  reason,
		Message: cause.Error(),
	}
}

// ShouldRecheck decides whether a cache-hit invocation re-fetches the
// decision: always when the interval is zero, otherwise once the interval
// has elapsed since the last attempt. A missing or unparseable timestamp
// means "never checked".
func (g *Gate) ShouldRecheck(profile string) bool {
	if g == nil {
		return false
	}
	if g.interval == 0 {
		return true
	}
	last, err := lastCheck(profile)
	if err != nil {
		return true
	}
	return time.Since(last) >= time.Duration(g.interval)*time.Minute
}

func timestampFile(profile string) string {
	return filepath.Join(config.InstallDir(), "session", fmt.Sprintf("%s-quota-check", profile))
}

func lastCheck(profile string) (time.Time, error) {
	raw, err := os.ReadFile(timestampFile(profile))
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, strings.TrimSpace(string(raw)))
}

// SaveTimestamp records the attempt regardless of outcome so a persistently
// failing endpoint is not hammered on every invocation.
func SaveTimestamp(profile string) {
	path := timestampFile(profile)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		debug.Logf("cannot persist quota timestamp: %v", err)
		return
	}
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0600); err != nil {
		debug.Logf("cannot persist quota timestamp: %v", err)
	}
}

// EmailClaim extracts the identity key quota decisions hang off.
func EmailClaim(claims jwt.MapClaims) string {
	email, _ := claims["email"].(string)
	return email
}

// GroupsClaim unions the groups claim, cognito:groups, and a synthesized
// department:<value> pseudo-group. Providers ship groups either as a list or
// as a comma-separated string; both normalise to a deduplicated slice here
// and the dynamic shape never travels further.
func GroupsClaim(claims jwt.MapClaims) []string {
	var groups []string
	seen := map[string]struct{}{}
	add := func(g string) {
		g = strings.TrimSpace(g)
		if g == "" {
			return
		}
		if _, dup := seen[g]; dup {
			return
		}
		seen[g] = struct{}{}
		groups = append(groups, g)
	}
	for _, key := range []string{"groups", "cognito:groups"} {
		switch v := claims[key].(type) {
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		case string:
			for _, s := range strings.Split(v, ",") {
				add(s)
			}
		}
	}
	if dept, ok := claims["custom:department"].(string); ok && dept != "" {
		add("department:" + dept)
	}
	return groups
}
