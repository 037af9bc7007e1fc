package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/DevLabFoundry/claude-code-auth/internal/config"
	"github.com/DevLabFoundry/claude-code-auth/internal/debug"
	"github.com/DevLabFoundry/claude-code-auth/internal/oidc"
	"github.com/DevLabFoundry/claude-code-auth/internal/provider"
	"github.com/spf13/cobra"
)

var (
	Version  string = "0.0.1"
	Revision string = "1111aaaa"
)

const (
	// EnvRedirectPort overrides the default OAuth callback port.
	EnvRedirectPort = "REDIRECT_PORT"
	// EnvMonitoringToken is the in-process cache of this invocation's
	// monitoring token, set after any successful fetch so a process driving
	// both the credential flow and a token read does the work once.
	EnvMonitoringToken = "CLAUDE_CODE_MONITORING_TOKEN"
)

type Root struct {
	Cmd       *cobra.Command
	rootFlags *rootCmdFlags
}

type rootCmdFlags struct {
	profile            string
	verbose            bool
	getMonitoringToken bool
	clearCache         bool
	checkExpiration    bool
	refreshIfNeeded    bool
}

// New builds the credential-provider command. The surface is flag-dispatched
// rather than subcommand-dispatched: AWS config files reference this binary
// as a credential_process with flags, and the auxiliary actions ride along
// the same contract.
func New() *Root {
	rf := &rootCmdFlags{}
	r := &Root{
		rootFlags: rf,
		Cmd: &cobra.Command{
			Use:   "claude-code-auth",
			Short: "credential_process provider federating OIDC identities into temporary AWS credentials",
			Long: `credential_process provider federating an OIDC identity (Okta, Azure AD, Auth0,
JumpCloud or a Cognito User Pool) into temporary AWS credentials, via a Cognito
Identity Pool or direct STS AssumeRoleWithWebIdentity.
On success a single-line credential_process JSON object is printed to stdout;
everything operator-facing goes to stderr.`,
			Version:       fmt.Sprintf("%s-%s", Version, Revision),
			SilenceUsage:  true,
			SilenceErrors: true,
		},
	}

	r.Cmd.PersistentFlags().StringVarP(&rf.profile, "profile", "p", "", fmt.Sprintf("Config profile to use (env %s, default %q)", config.EnvProfile, config.DefaultProfile))
	r.Cmd.PersistentFlags().BoolVarP(&rf.verbose, "verbose", "v", false, "Verbose diagnostics on stderr")
	r.Cmd.PersistentFlags().BoolVarP(&rf.getMonitoringToken, "get-monitoring-token", "", false, "Print the cached or freshly obtained raw ID token instead of AWS credentials")
	r.Cmd.PersistentFlags().BoolVarP(&rf.clearCache, "clear-cache", "", false, "Wipe cached credentials and the monitoring token for the profile")
	r.Cmd.PersistentFlags().BoolVarP(&rf.checkExpiration, "check-expiration", "", false, "Exit 0 if session-file credentials are currently valid, 1 otherwise")
	r.Cmd.PersistentFlags().BoolVarP(&rf.refreshIfNeeded, "refresh-if-needed", "", false, "Refresh only when session-file credentials are expired (session storage only)")
	r.Cmd.MarkFlagsMutuallyExclusive("get-monitoring-token", "clear-cache", "check-expiration", "refresh-if-needed")

	r.Cmd.RunE = r.run
	return r
}

func (r *Root) Execute(ctx context.Context) error {
	return r.Cmd.ExecuteContext(ctx)
}

func (r *Root) run(cmd *cobra.Command, args []string) error {
	if r.rootFlags.verbose {
		debug.Enable()
	}
	profile := config.ResolveProfileName(r.rootFlags.profile)

	// --check-expiration inspects the session file only: no config needed,
	// no network, no browser
	if r.rootFlags.checkExpiration {
		return checkExpiration(cmd, profile)
	}

	cfg, err := config.Load(profile)
	if err != nil {
		return err
	}
	shape, err := resolveShape(cfg)
	if err != nil {
		return err
	}

	inv, err := newInvocation(cmd, cfg, shape)
	if err != nil {
		return err
	}

	switch {
	case r.rootFlags.clearCache:
		return inv.clearCache()
	case r.rootFlags.getMonitoringToken:
		return inv.printMonitoringToken(cmd.Context())
	case r.rootFlags.refreshIfNeeded:
		if cfg.CredentialStorage != config.StorageSession {
			return fmt.Errorf("--refresh-if-needed only works with credential_storage=session (profile %q uses %q)", profile, cfg.CredentialStorage)
		}
		if creds, _ := inv.store.Credentials(); creds != nil {
			debug.Logf("credentials still valid for profile %q, no refresh needed", profile)
			return nil
		}
	}
	return inv.runCredentialProcess(cmd.Context())
}

// resolveShape honours an explicit provider_type, falling back to domain
// suffix detection; either way a cognito provider must point at the
// hosted-UI domain.
func resolveShape(cfg *config.Profile) (provider.Shape, error) {
	if cfg.ProviderType != "" {
		shape, ok := provider.ShapeFor(provider.Type(cfg.ProviderType))
		if !ok {
			return provider.Shape{}, fmt.Errorf("provider_type %q: %w", cfg.ProviderType, provider.ErrUnknownProvider)
		}
		if shape.Type == provider.Cognito && !isHostedUIDomain(cfg.ProviderDomain) {
			return provider.Shape{}, fmt.Errorf("%q: %w", cfg.ProviderDomain, provider.ErrCognitoServiceEndpoint)
		}
		return shape, nil
	}
	return provider.Resolve(cfg.ProviderDomain)
}

func isHostedUIDomain(domain string) bool {
	d := domain
	if !strings.Contains(d, "://") {
		d = "https://" + d
	}
	u, err := url.Parse(d)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "amazoncognito.com" || strings.HasSuffix(host, ".amazoncognito.com")
}

func redirectPort() int {
	if p := os.Getenv(EnvRedirectPort); p != "" {
		if port, err := strconv.Atoi(p); err == nil && port > 0 {
			return port
		}
		debug.Logf("ignoring unparseable %s=%q", EnvRedirectPort, p)
	}
	return oidc.DefaultRedirectPort
}
