package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/DevLabFoundry/claude-code-auth/internal/config"
	"github.com/werf/lockgate"
	"github.com/werf/lockgate/pkg/file_locker"
	"gopkg.in/ini.v1"
)

const (
	iniKeyAccessKey    = "aws_access_key_id"
	iniKeySecretKey    = "aws_secret_access_key"
	iniKeySessionToken = "aws_session_token"
	// the x- prefix tells AWS SDKs to ignore the non-standard key
	iniKeyExpiration = "x-expiration"

	fileLockTimeout = 10 * time.Second
)

var ErrLockBusy = errors.New("could not acquire the credentials-file lock")

type sessionStore struct {
	profile         string
	credentialsFile string
	sessionDir      string
	locker          lockgate.Locker
}

func newSessionStore(profile string) (*sessionStore, error) {
	installDir := config.InstallDir()
	lockDir := filepath.Join(installDir, "locks")
	if err := os.MkdirAll(lockDir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create lock dir: %w", err)
	}
	locker, err := file_locker.NewFileLocker(lockDir)
	if err != nil {
		return nil, fmt.Errorf("cannot initialise file locker: %w", err)
	}
	return &sessionStore{
		profile:         profile,
		credentialsFile: sharedCredentialsFile(),
		sessionDir:      filepath.Join(installDir, "session"),
		locker:          locker,
	}, nil
}

func sharedCredentialsFile() string {
	if custom := os.Getenv("AWS_SHARED_CREDENTIALS_FILE"); custom != "" {
		return custom
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".aws", "credentials")
}

func (s *sessionStore) Credentials() (*Credentials, error) {
	cfg, err := ini.LooseLoad(s.credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", s.credentialsFile, err)
	}
	section, err := cfg.GetSection(s.profile)
	if err != nil {
		return nil, nil
	}
	creds := &Credentials{
		Version:         1,
		AccessKeyID:     section.Key(iniKeyAccessKey).String(),
		SecretAccessKey: section.Key(iniKeySecretKey).String(),
		SessionToken:    section.Key(iniKeySessionToken).String(),
	}
	exp, err := time.Parse(time.RFC3339, section.Key(iniKeyExpiration).String())
	if err != nil {
		// no parseable expiration means no usable prior state
		return nil, nil
	}
	creds.Expiration = exp.UTC()
	if !creds.Valid() {
		return nil, nil
	}
	return creds, nil
}

// SaveCredentials rewrites the profile section atomically: render to a temp
// file in the target directory, chmod 0600, rename over the original. Other
// processes can never observe a half-written file. A crash-safe advisory
// lock serialises concurrent read-modify-write cycles.
func (s *sessionStore) SaveCredentials(creds *Credentials) error {
	return s.withFileLock(func() error {
		return s.writeSection(creds)
	})
}

func (s *sessionStore) writeSection(creds *Credentials) error {
	dir := filepath.Dir(s.credentialsFile)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	cfg, err := ini.LooseLoad(s.credentialsFile)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", s.credentialsFile, err)
	}
	section := cfg.Section(s.profile)
	section.Key(iniKeyAccessKey).SetValue(creds.AccessKeyID)
	section.Key(iniKeySecretKey).SetValue(creds.SecretAccessKey)
	section.Key(iniKeySessionToken).SetValue(creds.SessionToken)
	section.Key(iniKeyExpiration).SetValue(creds.Expiration.UTC().Format(time.RFC3339))

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("cannot create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := cfg.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot render credentials file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.credentialsFile)
}

func (s *sessionStore) withFileLock(fn func() error) error {
	lockName := fmt.Sprintf("credentials-file-%s", s.profile)
	return lockgate.WithAcquire(s.locker, lockName, lockgate.AcquireOptions{
		Shared:  false,
		Timeout: fileLockTimeout,
	}, func(acquired bool) error {
		if !acquired {
			return fmt.Errorf("%s: %w", lockName, ErrLockBusy)
		}
		return fn()
	})
}

func (s *sessionStore) monitoringFile() string {
	return filepath.Join(s.sessionDir, fmt.Sprintf("%s-monitoring.json", s.profile))
}

func (s *sessionStore) MonitoringToken() (*MonitoringToken, error) {
	raw, err := os.ReadFile(s.monitoringFile())
	if err != nil {
		return nil, nil
	}
	token := &MonitoringToken{}
	if err := json.Unmarshal(raw, token); err != nil {
		return nil, nil
	}
	if !token.Valid() {
		return nil, nil
	}
	return token, nil
}

func (s *sessionStore) SaveMonitoringToken(token *MonitoringToken) error {
	if err := os.MkdirAll(s.sessionDir, 0700); err != nil {
		return fmt.Errorf("cannot create session dir: %w", err)
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.sessionDir, ".monitoring-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.monitoringFile())
}

// Clear sentinels the credentials-file section (the file itself belongs to
// the AWS tooling, sections are never dropped) and deletes the monitoring
// sidecar outright, pruning the session dir if it empties.
func (s *sessionStore) Clear() ([]string, error) {
	var cleared []string
	err := s.withFileLock(func() error {
		cfg, err := ini.LooseLoad(s.credentialsFile)
		if err != nil {
			return err
		}
		if _, err := cfg.GetSection(s.profile); err != nil {
			return nil
		}
		if err := s.writeSection(Sentinel()); err != nil {
			return err
		}
		cleared = append(cleared, fmt.Sprintf("%s section (credentials file)", s.profile))
		return nil
	})
	if err != nil {
		return cleared, err
	}
	if _, err := os.Stat(s.monitoringFile()); err == nil {
		if err := os.Remove(s.monitoringFile()); err != nil {
			return cleared, err
		}
		cleared = append(cleared, fmt.Sprintf("%s-monitoring.json (session dir)", s.profile))
		// ignore the error - the dir may hold other profiles' sidecars
		_ = os.Remove(s.sessionDir)
	}
	return cleared, nil
}
