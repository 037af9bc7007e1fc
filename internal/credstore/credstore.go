// Package credstore persists AWS credentials and the monitoring token across
// invocations. Two interchangeable backends: the OS keyring and a session
// file (the AWS shared credentials file plus a JSON sidecar).
package credstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/DevLabFoundry/claude-code-auth/internal/config"
)

const (
	// KeyringService namespaces every OS secret-store entry.
	KeyringService = "claude-code-with-bedrock"

	// SentinelAccessKey marks an explicitly cleared entry. The entry is
	// overwritten, never deleted - deleting a macOS keychain item would drop
	// its ACL grant and force a re-prompt on the next write.
	SentinelAccessKey = "EXPIRED"

	// credentials are usable only while more than 30s remain
	credentialExpiryBuffer = 30 * time.Second
	// the monitoring token is read opportunistically and must not flap, so
	// it carries a larger buffer
	monitoringExpiryBuffer = 600 * time.Second
)

var ErrUnknownStorage = errors.New("credential_storage must be 'keyring' or 'session'")

// Credentials is the credential_process artifact. Field order matches the
// contract AWS tooling expects on stdout.
type Credentials struct {
	Version         int       `json:"Version"`
	AccessKeyID     string    `json:"AccessKeyId"`
	SecretAccessKey string    `json:"SecretAccessKey"`
	SessionToken    string    `json:"SessionToken"`
	Expiration      time.Time `json:"Expiration"`
}

func (c *Credentials) Valid() bool {
	if c == nil || c.AccessKeyID == "" || c.AccessKeyID == SentinelAccessKey {
		return false
	}
	return time.Until(c.Expiration) > credentialExpiryBuffer
}

// Sentinel is the stored representation of a cleared credential.
func Sentinel() *Credentials {
	return &Credentials{
		Version:     1,
		AccessKeyID: SentinelAccessKey,
		Expiration:  time.Unix(0, 0).UTC(),
	}
}

// MonitoringToken is the raw ID token retained after login for quota checks
// and telemetry. It expires independently of the AWS credentials.
type MonitoringToken struct {
	IDToken   string `json:"id_token"`
	ExpiresAt int64  `json:"exp"`
	Email     string `json:"email,omitempty"`
	Profile   string `json:"profile,omitempty"`
}

func (m *MonitoringToken) Valid() bool {
	if m == nil || m.IDToken == "" || m.IDToken == SentinelAccessKey {
		return false
	}
	return time.Until(time.Unix(m.ExpiresAt, 0)) > monitoringExpiryBuffer
}

// Store is one profile's credential cache. Reads return (nil, nil) on a
// miss, an expired entry, or the cleared sentinel.
type Store interface {
	Credentials() (*Credentials, error)
	SaveCredentials(*Credentials) error
	MonitoringToken() (*MonitoringToken, error)
	SaveMonitoringToken(*MonitoringToken) error
	// Clear overwrites/removes cached entries and reports what it touched.
	Clear() ([]string, error)
}

// New selects the backend once at startup from the profile config.
func New(profile, storage string) (Store, error) {
	switch storage {
	case config.StorageKeyring:
		return newKeyringStore(profile), nil
	case config.StorageSession:
		return newSessionStore(profile)
	default:
		return nil, fmt.Errorf("%q: %w", storage, ErrUnknownStorage)
	}
}
