package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/zalando/go-keyring"
)

type keyringStore struct {
	profile           string
	blob              credentialBlob
	monitoringAccount string
}

func newKeyringStore(profile string) *keyringStore {
	account := fmt.Sprintf("%s-credentials", profile)
	var blob credentialBlob = &singleEntryBlob{account: account}
	// the windows credential manager caps an entry at ~2.5KB; a session
	// token alone can exceed that, so the blob is split across four entries
	if runtime.GOOS == "windows" {
		blob = &splitEntryBlob{account: account}
	}
	return &keyringStore{
		profile:           profile,
		blob:              blob,
		monitoringAccount: fmt.Sprintf("%s-monitoring", profile),
	}
}

func (k *keyringStore) Credentials() (*Credentials, error) {
	creds, err := k.blob.load()
	if err != nil {
		return nil, err
	}
	if !creds.Valid() {
		return nil, nil
	}
	return creds, nil
}

func (k *keyringStore) SaveCredentials(creds *Credentials) error {
	return k.blob.save(creds)
}

func (k *keyringStore) MonitoringToken() (*MonitoringToken, error) {
	raw, err := keyring.Get(KeyringService, k.monitoringAccount)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring read %s: %w", k.monitoringAccount, err)
	}
	token := &MonitoringToken{}
	if err := json.Unmarshal([]byte(raw), token); err != nil {
		// a corrupt entry is a miss, the next login overwrites it
		return nil, nil
	}
	if !token.Valid() {
		return nil, nil
	}
	return token, nil
}

func (k *keyringStore) SaveMonitoringToken(token *MonitoringToken) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return err
	}
	if err := keyring.Set(KeyringService, k.monitoringAccount, string(raw)); err != nil {
		return fmt.Errorf("keyring write %s: %w", k.monitoringAccount, err)
	}
	return nil
}

// Clear overwrites both entries with the sentinel rather than deleting them,
// preserving the keychain ACL grants.
func (k *keyringStore) Clear() ([]string, error) {
	var cleared []string
	if creds, _ := k.blob.load(); creds != nil {
		if err := k.blob.save(Sentinel()); err != nil {
			return cleared, err
		}
		cleared = append(cleared, fmt.Sprintf("%s (keyring)", k.blob.name()))
	}
	if raw, err := keyring.Get(KeyringService, k.monitoringAccount); err == nil && raw != "" {
		sentinel, _ := json.Marshal(&MonitoringToken{IDToken: SentinelAccessKey})
		if err := keyring.Set(KeyringService, k.monitoringAccount, string(sentinel)); err != nil {
			return cleared, err
		}
		cleared = append(cleared, fmt.Sprintf("%s (keyring)", k.monitoringAccount))
	}
	return cleared, nil
}

// credentialBlob isolates the platform-conditional entry layout behind one
// save/load seam so the split logic never leaks into store logic.
type credentialBlob interface {
	save(*Credentials) error
	load() (*Credentials, error)
	name() string
}

type singleEntryBlob struct {
	account string
}

func (b *singleEntryBlob) name() string { return b.account }

func (b *singleEntryBlob) save(creds *Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	if err := keyring.Set(KeyringService, b.account, string(raw)); err != nil {
		return fmt.Errorf("keyring write %s: %w", b.account, err)
	}
	return nil
}

func (b *singleEntryBlob) load() (*Credentials, error) {
	raw, err := keyring.Get(KeyringService, b.account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring read %s: %w", b.account, err)
	}
	creds := &Credentials{}
	if err := json.Unmarshal([]byte(raw), creds); err != nil {
		return nil, nil
	}
	return creds, nil
}

// splitEntryBlob spreads one credential across four entries: the session
// token halved into two, the key pair in a third, version+expiration in a
// fourth. Reassembled on read; a missing piece is a cache miss.
type splitEntryBlob struct {
	account string
}

func (b *splitEntryBlob) name() string { return b.account }

type splitKeys struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
}

type splitMeta struct {
	Version    int       `json:"Version"`
	Expiration time.Time `json:"Expiration"`
}

func (b *splitEntryBlob) entries() (tok1, tok2, keys, meta string) {
	return b.account + "-st-1", b.account + "-st-2", b.account + "-keys", b.account + "-meta"
}

func (b *splitEntryBlob) save(creds *Credentials) error {
	tok1, tok2, keysEntry, metaEntry := b.entries()
	mid := len(creds.SessionToken) / 2
	keys, err := json.Marshal(splitKeys{AccessKeyID: creds.AccessKeyID, SecretAccessKey: creds.SecretAccessKey})
	if err != nil {
		return err
	}
	meta, err := json.Marshal(splitMeta{Version: creds.Version, Expiration: creds.Expiration})
	if err != nil {
		return err
	}
	for entry, payload := range map[string]string{
		tok1:      creds.SessionToken[:mid],
		tok2:      creds.SessionToken[mid:],
		keysEntry: string(keys),
		metaEntry: string(meta),
	} {
		if err := keyring.Set(KeyringService, entry, payload); err != nil {
			return fmt.Errorf("keyring write %s: %w", entry, err)
		}
	}
	return nil
}

func (b *splitEntryBlob) load() (*Credentials, error) {
	tok1, tok2, keysEntry, metaEntry := b.entries()
	parts := map[string]string{}
	for _, entry := range []string{tok1, tok2, keysEntry, metaEntry} {
		raw, err := keyring.Get(KeyringService, entry)
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("keyring read %s: %w", entry, err)
		}
		parts[entry] = raw
	}
	keys := splitKeys{}
	meta := splitMeta{}
	if err := json.Unmarshal([]byte(parts[keysEntry]), &keys); err != nil {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(parts[metaEntry]), &meta); err != nil {
		return nil, nil
	}
	return &Credentials{
		Version:         meta.Version,
		AccessKeyID:     keys.AccessKeyID,
		SecretAccessKey: keys.SecretAccessKey,
		SessionToken:    parts[tok1] + parts[tok2],
		Expiration:      meta.Expiration,
	}, nil
}
