package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/DevLabFoundry/claude-code-auth/internal/config"
	"github.com/DevLabFoundry/claude-code-auth/internal/credstore"
	"github.com/DevLabFoundry/claude-code-auth/internal/debug"
	"github.com/DevLabFoundry/claude-code-auth/internal/federation"
	"github.com/DevLabFoundry/claude-code-auth/internal/locking"
	"github.com/DevLabFoundry/claude-code-auth/internal/oidc"
	"github.com/DevLabFoundry/claude-code-auth/internal/provider"
	"github.com/DevLabFoundry/claude-code-auth/internal/quota"
)

var (
	ErrFollowerNoCredentials = errors.New("authentication completed in another process but produced no usable credentials")
	ErrQuotaBlocked          = errors.New("credential issuance blocked by quota policy")
)

// invocation is this process's working state: built once per run, it holds
// the resolved config, the cache handle and the single in-process copy of
// the monitoring token.
type invocation struct {
	cfg   *config.Profile
	shape provider.Shape
	store credstore.Store
	gate  *quota.Gate
	port  int

	// exchange is swappable for tests; defaults to the real federation client
	exchange func(ctx context.Context, res *oidc.Result) (*credstore.Credentials, error)
	login    func(ctx context.Context) (*oidc.Result, error)

	out    io.Writer
	errOut io.Writer
}

func newInvocation(cmd interface {
	OutOrStdout() io.Writer
	ErrOrStderr() io.Writer
}, cfg *config.Profile, shape provider.Shape) (*invocation, error) {
	store, err := credstore.New(cfg.Name, cfg.CredentialStorage)
	if err != nil {
		return nil, err
	}
	inv := &invocation{
		cfg:    cfg,
		shape:  shape,
		store:  store,
		gate:   quota.New(cfg),
		port:   redirectPort(),
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
	}
	inv.exchange = func(ctx context.Context, res *oidc.Result) (*credstore.Credentials, error) {
		exchanger, err := federation.New(ctx, cfg, shape.Type)
		if err != nil {
			return nil, err
		}
		return exchanger.Exchange(ctx, res.IDToken, res.Claims)
	}
	inv.login = func(ctx context.Context) (*oidc.Result, error) {
		return oidc.Login(ctx, oidc.LoginInput{
			Shape:             shape,
			Domain:            cfg.ProviderDomain,
			ClientID:          cfg.ClientID,
			Port:              inv.port,
			BrowserExecutable: cfg.BrowserExecutablePath,
		})
	}
	return inv, nil
}

// runCredentialProcess is the default action: emit valid cached credentials,
// or drive (or wait out) a browser login and emit the fresh ones.
func (inv *invocation) runCredentialProcess(ctx context.Context) error {
	cached, err := inv.store.Credentials()
	if err != nil {
		return err
	}
	if cached != nil {
		if err := inv.recheckQuota(); err != nil {
			return err
		}
		return inv.emit(cached)
	}

	leader, err := locking.Probe(inv.port)
	if err != nil {
		return err
	}
	if !leader {
		if err := locking.Wait(ctx, inv.port, locking.DefaultWait); err != nil {
			return err
		}
		cached, err := inv.store.Credentials()
		if err != nil {
			return err
		}
		if cached == nil {
			return ErrFollowerNoCredentials
		}
		return inv.emit(cached)
	}

	// the port was free a moment ago but another process may have finished
	// between our cache read and the probe
	if cached, _ := inv.store.Credentials(); cached != nil {
		return inv.emit(cached)
	}

	res, err := inv.authenticate(ctx)
	if err != nil {
		return err
	}
	creds, err := inv.federate(ctx, res)
	if err != nil {
		return err
	}
	if err := inv.store.SaveCredentials(creds); err != nil {
		// an unusable cache write means the next invocation re-authenticates
		// anyway - fail loudly now rather than paper over it
		return fmt.Errorf("authentication succeeded but the credential cache write failed: %w", err)
	}
	inv.saveMonitoringToken(res)
	return inv.emit(creds)
}

// authenticate runs the browser login and gates the fresh identity on quota
// before any federation call is made.
func (inv *invocation) authenticate(ctx context.Context) (*oidc.Result, error) {
	res, err := inv.login(ctx)
	if err != nil {
		return nil, err
	}
	if inv.gate != nil {
		d := inv.gate.Check(res.IDToken, res.Claims)
		quota.SaveTimestamp(inv.cfg.Name)
		if !d.Allowed {
			return nil, fmt.Errorf("%w\n%s", ErrQuotaBlocked, d.BlockMessage())
		}
		d.WarnIfNearLimit(inv.errOut)
	}
	return res, nil
}

// federate exchanges the token, self-healing a poisoned cache: the listed
// AWS error signatures clear all cached state so the next run starts clean.
func (inv *invocation) federate(ctx context.Context, res *oidc.Result) (*credstore.Credentials, error) {
	creds, err := inv.exchange(ctx, res)
	if err != nil {
		if errors.Is(err, federation.ErrStaleCachedToken) {
			if cleared, clearErr := inv.store.Clear(); clearErr == nil {
				debug.Logf("cleared stale cache entries: %v", cleared)
			}
		}
		return nil, err
	}
	return creds, nil
}

// recheckQuota runs the periodic re-check on the cached-credential fast
// path. Without a valid monitoring token there is nothing to present to the
// quota endpoint - skip silently rather than force a browser round-trip.
func (inv *invocation) recheckQuota() error {
	if inv.gate == nil || !inv.gate.ShouldRecheck(inv.cfg.Name) {
		return nil
	}
	debug.Logf("performing periodic quota re-check")
	token := inv.cachedMonitoringToken()
	if token == "" {
		debug.Logf("no valid monitoring token for quota re-check, skipping")
		return nil
	}
	claims, err := oidc.DecodeClaims(token)
	if err != nil {
		debug.Logf("cached monitoring token undecodable, skipping re-check: %v", err)
		return nil
	}
	d := inv.gate.Check(token, claims)
	quota.SaveTimestamp(inv.cfg.Name)
	if !d.Allowed {
		return fmt.Errorf("%w\n%s", ErrQuotaBlocked, d.BlockMessage())
	}
	d.WarnIfNearLimit(inv.errOut)
	return nil
}

// cachedMonitoringToken prefers the process-scoped env copy over a store
// read.
func (inv *invocation) cachedMonitoringToken() string {
	if tok := os.Getenv(EnvMonitoringToken); tok != "" {
		return tok
	}
	record, err := inv.store.MonitoringToken()
	if err != nil || record == nil {
		return ""
	}
	return record.IDToken
}

// saveMonitoringToken persists the raw ID token for quota/telemetry use.
// Non-fatal: credentials were already issued and cached.
func (inv *invocation) saveMonitoringToken(res *oidc.Result) {
	record := &credstore.MonitoringToken{
		IDToken:   res.IDToken,
		ExpiresAt: oidc.TokenExpiry(res.Claims),
		Email:     quota.EmailClaim(res.Claims),
		Profile:   inv.cfg.Name,
	}
	if err := inv.store.SaveMonitoringToken(record); err != nil {
		debug.Logf("warning: failed to cache monitoring token: %v", err)
	}
	os.Setenv(EnvMonitoringToken, res.IDToken)
}

// printMonitoringToken implements --get-monitoring-token: the raw ID token
// on stdout, authenticated on demand when no cached copy survives.
func (inv *invocation) printMonitoringToken(ctx context.Context) error {
	if tok := inv.cachedMonitoringToken(); tok != "" {
		fmt.Fprintln(inv.out, tok)
		return nil
	}
	debug.Logf("no valid monitoring token cached, triggering authentication")

	leader, err := locking.Probe(inv.port)
	if err != nil {
		return err
	}
	if !leader {
		if err := locking.Wait(ctx, inv.port, locking.DefaultWait); err != nil {
			return err
		}
		if tok := inv.cachedMonitoringToken(); tok != "" {
			fmt.Fprintln(inv.out, tok)
			return nil
		}
		return ErrFollowerNoCredentials
	}

	res, err := inv.login(ctx)
	if err != nil {
		return err
	}
	// credentials ride along so the login is not wasted on a token-only run
	if creds, err := inv.federate(ctx, res); err == nil {
		if err := inv.store.SaveCredentials(creds); err != nil {
			debug.Logf("warning: failed to cache credentials: %v", err)
		}
	} else {
		debug.Logf("federation failed on monitoring-token run: %v", err)
	}
	inv.saveMonitoringToken(res)
	fmt.Fprintln(inv.out, res.IDToken)
	return nil
}

// clearCache implements --clear-cache. Always exits 0: clearing a cache that
// was already empty is not a failure.
func (inv *invocation) clearCache() error {
	cleared, err := inv.store.Clear()
	if err != nil {
		fmt.Fprintf(inv.errOut, "clear-cache: %v\n", err)
	}
	if len(cleared) == 0 {
		fmt.Fprintf(inv.errOut, "No cached credentials found for profile %q\n", inv.cfg.Name)
		return nil
	}
	fmt.Fprintf(inv.errOut, "Cleared cached credentials for profile %q:\n", inv.cfg.Name)
	for _, item := range cleared {
		fmt.Fprintf(inv.errOut, "  - %s\n", item)
	}
	return nil
}

// checkExpiration implements --check-expiration against the session file
// only: no config load, no network, no browser.
func checkExpiration(cmd interface {
	ErrOrStderr() io.Writer
}, profile string) error {
	store, err := credstore.New(profile, config.StorageSession)
	if err != nil {
		return err
	}
	creds, err := store.Credentials()
	if err != nil {
		return err
	}
	if creds == nil {
		return fmt.Errorf("credentials expired or missing for profile %q", profile)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Credentials valid for profile %q\n", profile)
	return nil
}

// emit prints the single-line credential_process JSON object. The only other
// stdout writer in the binary is the monitoring-token path.
func (inv *invocation) emit(creds *credstore.Credentials) error {
	payload, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(inv.out, string(payload))
	return err
}
