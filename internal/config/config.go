package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
)

const (
	SELF_NAME         = "claude-code-with-bedrock"
	ConfigFileName    = "config.json"
	DefaultProfile    = "ClaudeCode"
	EnvProfile        = "CCWB_PROFILE"
	EnvConfigPath     = "CCWB_CONFIG"
	FederationDirect  = "direct"
	FederationCognito = "cognito"
	StorageKeyring    = "keyring"
	StorageSession    = "session"
)

var (
	ErrConfigNotFound   = errors.New("config.json not found next to the binary or in the install directory - run the deployment tool's init to reconfigure")
	ErrProfileNotFound  = errors.New("profile not present in config.json")
	ErrMissingField     = errors.New("missing required config field")
	ErrFederationFields = errors.New("exactly one of identity_pool_id (cognito) or federated_role_arn (direct) must be set, matching federation_type")
)

// Profile is one deployment target from config.json. Written once by the
// deployment tool's packaging step; read-only here.
type Profile struct {
	Name                  string `json:"-"`
	ProviderDomain        string `json:"provider_domain"`
	ProviderType          string `json:"provider_type,omitempty"`
	ClientID              string `json:"client_id"`
	AWSRegion             string `json:"aws_region"`
	FederationType        string `json:"federation_type,omitempty"`
	IdentityPoolID        string `json:"identity_pool_id,omitempty"`
	FederatedRoleARN      string `json:"federated_role_arn,omitempty"`
	UserPoolID            string `json:"user_pool_id,omitempty"`
	MaxSessionDuration    int    `json:"max_session_duration,omitempty"`
	CredentialStorage     string `json:"credential_storage,omitempty"`
	BrowserExecutablePath string `json:"browser_executable_path,omitempty"`

	QuotaAPIEndpoint          string `json:"quota_api_endpoint,omitempty"`
	QuotaFailMode             string `json:"quota_fail_mode,omitempty"`
	QuotaCheckIntervalMinutes *int   `json:"quota_check_interval_minutes,omitempty"`
	QuotaCheckTimeoutSeconds  int    `json:"quota_check_timeout_seconds,omitempty"`
}

// QuotaInterval returns the recheck cadence in minutes. Zero means "check on
// every invocation"; absent defaults to hourly.
func (p *Profile) QuotaInterval() int {
	if p.QuotaCheckIntervalMinutes == nil {
		return 60
	}
	return *p.QuotaCheckIntervalMinutes
}

// Load reads the profile from the first config.json found on the search path:
// CCWB_CONFIG override, the binary's own directory, then the per-user install
// directory.
func Load(profile string) (*Profile, error) {
	path, err := findConfig()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path, profile)
}

func LoadFrom(path, profile string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	profiles, err := parseProfiles(raw)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	section, ok := profiles[profile]
	if !ok {
		return nil, fmt.Errorf("%q (in %s): %w", profile, path, ErrProfileNotFound)
	}
	p := &Profile{}
	if err := json.Unmarshal(section, p); err != nil {
		return nil, fmt.Errorf("profile %q malformed: %w", profile, err)
	}
	p.Name = profile
	if err := p.applyDefaults(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// parseProfiles accepts both config shapes: the legacy flat
// {"<profile>": {...}} and the newer {"profiles": {"<profile>": {...}}}.
func parseProfiles(raw []byte) (map[string]json.RawMessage, error) {
	top := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, err
	}
	if wrapped, ok := top["profiles"]; ok {
		inner := map[string]json.RawMessage{}
		if err := json.Unmarshal(wrapped, &inner); err == nil {
			return inner, nil
		}
	}
	return top, nil
}

func (p *Profile) applyDefaults() error {
	defaults := &Profile{
		FederationType:           FederationCognito,
		CredentialStorage:        StorageKeyring,
		QuotaFailMode:            "open",
		QuotaCheckTimeoutSeconds: 5,
	}
	if err := mergo.Merge(p, defaults); err != nil {
		return err
	}
	if p.MaxSessionDuration == 0 {
		if p.FederationType == FederationDirect {
			p.MaxSessionDuration = 43200
		} else {
			p.MaxSessionDuration = 28800
		}
	}
	return nil
}

func (p *Profile) Validate() error {
	for field, v := range map[string]string{
		"provider_domain": p.ProviderDomain,
		"client_id":       p.ClientID,
		"aws_region":      p.AWSRegion,
	} {
		if v == "" {
			return fmt.Errorf("%s: %w", field, ErrMissingField)
		}
	}
	switch p.FederationType {
	case FederationCognito:
		if p.IdentityPoolID == "" || p.FederatedRoleARN != "" {
			return ErrFederationFields
		}
	case FederationDirect:
		if p.FederatedRoleARN == "" || p.IdentityPoolID != "" {
			return ErrFederationFields
		}
	default:
		return fmt.Errorf("federation_type %q: %w", p.FederationType, ErrMissingField)
	}
	if p.CredentialStorage != StorageKeyring && p.CredentialStorage != StorageSession {
		return fmt.Errorf("credential_storage %q must be %q or %q", p.CredentialStorage, StorageKeyring, StorageSession)
	}
	return nil
}

func findConfig() (string, error) {
	if custom := os.Getenv(EnvConfigPath); custom != "" {
		if _, err := os.Stat(custom); err == nil {
			return custom, nil
		}
		return "", fmt.Errorf("%s=%s: %w", EnvConfigPath, os.Getenv(EnvConfigPath), ErrConfigNotFound)
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	candidate := filepath.Join(InstallDir(), ConfigFileName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", ErrConfigNotFound
}

// InstallDir is the fixed per-user directory holding config, session files
// and locks.
func InstallDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, "."+SELF_NAME)
}

// ResolveProfileName implements flag > CCWB_PROFILE > default.
func ResolveProfileName(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvProfile); env != "" {
		return env
	}
	return DefaultProfile
}
