// Package federation exchanges a validated OIDC ID token for temporary AWS
// credentials, via direct STS web-identity assumption or a Cognito Identity
// Pool.
package federation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/DevLabFoundry/claude-code-auth/internal/config"
	"github.com/DevLabFoundry/claude-code-auth/internal/credstore"
	"github.com/DevLabFoundry/claude-code-auth/internal/debug"
	"github.com/DevLabFoundry/claude-code-auth/internal/provider"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnableToCreateSession = errors.New("cannot initialise the AWS client")
	ErrNoCredentialsReturned = errors.New("federation call returned no credentials")
	// ErrStaleCachedToken marks the poisoned-cache condition: the cache has
	// been cleared and the next invocation will authenticate from scratch.
	ErrStaleCachedToken = errors.New("stored authentication state was stale and has been cleared - please retry")
)

// error-message substrings that signal a previously cached token or
// credential has gone bad and a fresh login will recover
var poisonedCacheMarkers = []string{
	"InvalidParameterException",
	"NotAuthorizedException",
	"ValidationError",
	"Invalid AccessKeyId",
	"ExpiredToken",
	"Invalid JWT",
	"Token is not from a supported provider",
}

type stsAPI interface {
	AssumeRoleWithWebIdentity(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error)
}

type cognitoAPI interface {
	GetId(ctx context.Context, params *cognitoidentity.GetIdInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetIdOutput, error)
	GetCredentialsForIdentity(ctx context.Context, params *cognitoidentity.GetCredentialsForIdentityInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetCredentialsForIdentityOutput, error)
}

type Exchanger struct {
	cfg          *config.Profile
	providerType provider.Type
	sts          stsAPI
	cognito      cognitoAPI
}

// New scrubs ambient AWS credential env vars first - the exchange must use
// only the supplied web identity token, never stale local credentials - and
// builds anonymous-credential clients (both federation APIs are unsigned).
func New(ctx context.Context, cfg *config.Profile, providerType provider.Type) (*Exchanger, error) {
	ScrubAWSEnv()
	awsConf, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session %s, %w", err, ErrUnableToCreateSession)
	}
	return &Exchanger{
		cfg:          cfg,
		providerType: providerType,
		sts:          sts.NewFromConfig(awsConf),
		cognito:      cognitoidentity.NewFromConfig(awsConf),
	}, nil
}

// ScrubAWSEnv removes credential env vars so the default chain cannot pick
// up whatever the invoking shell happened to carry.
func ScrubAWSEnv() {
	for _, envVar := range []string{
		"AWS_PROFILE", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN", "AWS_SECURITY_TOKEN",
	} {
		os.Unsetenv(envVar)
	}
}

// Exchange converts the ID token into AWS credentials per the configured
// federation mode.
func (e *Exchanger) Exchange(ctx context.Context, idToken string, claims jwt.MapClaims) (*credstore.Credentials, error) {
	if e.cfg.FederationType == config.FederationDirect {
		return e.assumeRoleWithWebIdentity(ctx, idToken, claims)
	}
	return e.cognitoIdentityPool(ctx, idToken, claims)
}

func (e *Exchanger) assumeRoleWithWebIdentity(ctx context.Context, idToken string, claims jwt.MapClaims) (*credstore.Credentials, error) {
	sessionName := SessionName(claims)
	// claim-to-tag mapping happens on the AWS side via the trust policy and
	// the claims the token already exposes; logged here for diagnostics only
	debug.Logf("assuming %s as %s (claims sub=%v email=%v)",
		e.cfg.FederatedRoleARN, sessionName, claims["sub"], claims["email"])

	out, err := e.sts.AssumeRoleWithWebIdentity(ctx, &sts.AssumeRoleWithWebIdentityInput{
		RoleArn:          aws.String(e.cfg.FederatedRoleARN),
		RoleSessionName:  aws.String(sessionName),
		WebIdentityToken: aws.String(idToken),
		DurationSeconds:  aws.Int32(int32(e.cfg.MaxSessionDuration)),
	})
	if err != nil {
		return nil, classify(err)
	}
	if out.Credentials == nil {
		return nil, ErrNoCredentialsReturned
	}
	return &credstore.Credentials{
		Version:         1,
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      aws.ToTime(out.Credentials.Expiration).UTC(),
	}, nil
}

func (e *Exchanger) cognitoIdentityPool(ctx context.Context, idToken string, claims jwt.MapClaims) (*credstore.Credentials, error) {
	logins := map[string]string{e.loginKey(claims): idToken}

	identity, err := e.cognito.GetId(ctx, &cognitoidentity.GetIdInput{
		IdentityPoolId: aws.String(e.cfg.IdentityPoolID),
		Logins:         logins,
	})
	if err != nil {
		return nil, classify(err)
	}
	out, err := e.cognito.GetCredentialsForIdentity(ctx, &cognitoidentity.GetCredentialsForIdentityInput{
		IdentityId: identity.IdentityId,
		Logins:     logins,
	})
	if err != nil {
		return nil, classify(err)
	}
	if out.Credentials == nil {
		return nil, ErrNoCredentialsReturned
	}
	// note the remap: this API names the field SecretKey
	return &credstore.Credentials{
		Version:         1,
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      aws.ToTime(out.Credentials.Expiration).UTC(),
	}, nil
}

// loginKey is the identity-pool logins map key. For a Cognito User Pool the
// issuer claim (minus scheme) guarantees an exact match against what Cognito
// issued; external OIDC providers use the configured domain verbatim.
func (e *Exchanger) loginKey(claims jwt.MapClaims) string {
	if e.providerType == provider.Cognito || e.cfg.UserPoolID != "" {
		if iss, ok := claims["iss"].(string); ok && iss != "" {
			key := strings.TrimPrefix(iss, "https://")
			return strings.TrimPrefix(key, "http://")
		}
	}
	return e.cfg.ProviderDomain
}

var sessionNameInvalid = regexp.MustCompile(`[^\w+=,.@-]`)

// SessionName derives the role session name from the sub claim, falling back
// to the email local-part. AWS restricts the charset and length, and the
// trust policy may key off aws:RoleSessionName downstream.
func SessionName(claims jwt.MapClaims) string {
	const prefix = "claude-code"
	suffix := ""
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		suffix = sub
	} else if email, ok := claims["email"].(string); ok && email != "" {
		suffix = strings.SplitN(email, "@", 2)[0]
	}
	suffix = sessionNameInvalid.ReplaceAllString(suffix, "")
	if suffix == "" {
		return prefix
	}
	if len(suffix) > 32 {
		suffix = suffix[:32]
	}
	return prefix + "-" + suffix
}

// IsRecoverable reports whether an AWS error signals a poisoned cache - a
// previously stored token or credential gone bad. The caller clears the
// cache and asks the user to retry, recovering without manual intervention.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		text = apiErr.ErrorCode() + " " + apiErr.ErrorMessage()
	}
	for _, marker := range poisonedCacheMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func classify(err error) error {
	if IsRecoverable(err) {
		return fmt.Errorf("%w (cause: %v)", ErrStaleCachedToken, err)
	}
	return err
}
