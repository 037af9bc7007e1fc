package quota

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DevLabFoundry/claude-code-auth/internal/config"
	"github.com/go-test/deep"
	"github.com/golang-jwt/jwt/v5"
)

func gateFor(endpoint, failMode string, timeoutSeconds int) *Gate {
	interval := 60
	return New(&config.Profile{
		QuotaAPIEndpoint:          endpoint,
		QuotaFailMode:             failMode,
		QuotaCheckTimeoutSeconds:  timeoutSeconds,
		QuotaCheckIntervalMinutes: &interval,
	})
}

var userClaims = jwt.MapClaims{"email": "user@example.com"}

func Test_Gate_inert_without_endpoint(t *testing.T) {
	g := New(&config.Profile{})
	if g != nil {
		t.Error("got a gate, wanted nil without an endpoint")
	}
	if g.ShouldRecheck("P") {
		t.Error("nil gate must never request a recheck")
	}
	if d := g.Check("tok", userClaims); !d.Allowed {
		t.Error("nil gate must allow")
	}
}

func Test_Check_200_decision_verbatim(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/check" {
			t.Errorf("got path %s, wanted /check", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer the-id-token" {
			t.Errorf("got %q, wanted bearer ID token", auth)
		}
		// identity must come from the token alone, not query params
		if len(r.URL.Query()) != 0 {
			t.Errorf("unexpected query params: %v", r.URL.Query())
		}
		fmt.Fprint(w, `{"allowed": true, "reason": "ok",
			"usage": {"monthly_tokens": 50, "monthly_limit": 100, "monthly_percent": 50},
			"policy": {"type": "group", "identifier": "platform-team"}}`)
	}))
	defer ts.Close()

	got := gateFor(ts.URL, "open", 5).Check("the-id-token", userClaims)
	want := Decision{
		Allowed: true,
		Reason:  "ok",
		Usage:   &Usage{MonthlyTokens: 50, MonthlyLimit: 100, MonthlyPercent: 50},
		Policy:  &Policy{Type: "group", Identifier: "platform-team"},
	}
	if diff := deep.Equal(got, want); len(diff) > 0 {
		t.Errorf("diff: %v", diff)
	}
}

func Test_Check_fail_mode_matrix(t *testing.T) {
	slowServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer slowServer.Close()
	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer unauthorized.Close()
	erroring := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer erroring.Close()
	refused := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	refused.Close() // closed immediately - connections are refused

	ttests := map[string]struct {
		endpoint   string
		timeout    int
		wantReason string
	}{
		"401":              {unauthorized.URL, 5, "jwt_invalid"},
		"timeout":          {slowServer.URL, 1, "timeout"},
		"connection error": {refused.URL, 5, "connection_error"},
		"generic non-200":  {erroring.URL, 5, "api_error"},
	}
	for name, tt := range ttests {
		for _, failMode := range []string{"open", "closed"} {
			t.Run(name+"/"+failMode, func(t *testing.T) {
				d := gateFor(tt.endpoint, failMode, tt.timeout).Check("tok", userClaims)
				if d.Reason != tt.wantReason {
					t.Errorf("got reason %q, wanted %q", d.Reason, tt.wantReason)
				}
				wantAllowed := failMode == "open"
				if d.Allowed != wantAllowed {
					t.Errorf("got allowed=%v, wanted %v", d.Allowed, wantAllowed)
				}
			})
		}
	}
}

func Test_Check_missing_email_fails_open_even_when_closed(t *testing.T) {
	d := gateFor("http://localhost:1", "closed", 5).Check("tok", jwt.MapClaims{"sub": "abc"})
	if !d.Allowed || d.Reason != "no_email" {
		t.Errorf("got %+v, wanted allowed/no_email", d)
	}
}

func Test_ShouldRecheck_cadence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	profile := "P"

	t.Run("no prior timestamp means check now", func(t *testing.T) {
		if !gateFor("http://q", "open", 5).ShouldRecheck(profile) {
			t.Error("wanted recheck with no prior state")
		}
	})

	t.Run("fresh timestamp inside interval skips", func(t *testing.T) {
		SaveTimestamp(profile)
		if gateFor("http://q", "open", 5).ShouldRecheck(profile) {
			t.Error("wanted skip right after a check")
		}
	})

	t.Run("zero interval always checks", func(t *testing.T) {
		SaveTimestamp(profile)
		zero := 0
		g := New(&config.Profile{QuotaAPIEndpoint: "http://q", QuotaCheckIntervalMinutes: &zero, QuotaCheckTimeoutSeconds: 5})
		if !g.ShouldRecheck(profile) {
			t.Error("interval 0 must always recheck")
		}
	})
}

func Test_GroupsClaim_shapes(t *testing.T) {
	ttests := map[string]struct {
		claims jwt.MapClaims
		want   []string
	}{
		"list claim": {
			jwt.MapClaims{"groups": []any{"dev", "ops"}},
			[]string{"dev", "ops"},
		},
		"comma string claim": {
			jwt.MapClaims{"groups": "dev, ops"},
			[]string{"dev", "ops"},
		},
		"union with cognito groups deduplicated": {
			jwt.MapClaims{"groups": []any{"dev"}, "cognito:groups": "dev,admins"},
			[]string{"dev", "admins"},
		},
		"department pseudo-group": {
			jwt.MapClaims{"custom:department": "ml"},
			[]string{"department:ml"},
		},
		"no claims": {
			jwt.MapClaims{},
			nil,
		},
	}
	for name, tt := range ttests {
		t.Run(name, func(t *testing.T) {
			if diff := deep.Equal(GroupsClaim(tt.claims), tt.want); len(diff) > 0 {
				t.Errorf("diff: %v", diff)
			}
		})
	}
}

func Test_WarnIfNearLimit(t *testing.T) {
	buf := &bytes.Buffer{}
	Decision{Allowed: true, Usage: &Usage{MonthlyPercent: 85}}.WarnIfNearLimit(buf)
	if !strings.Contains(buf.String(), "85%") {
		t.Errorf("got %q, wanted a warning at 85%%", buf.String())
	}
	buf.Reset()
	Decision{Allowed: true, Usage: &Usage{MonthlyPercent: 40, DailyPercent: 10}}.WarnIfNearLimit(buf)
	if buf.Len() != 0 {
		t.Errorf("got %q, wanted silence under the threshold", buf.String())
	}
}
