// Package crypto encrypts host credentials at rest with fernet tokens.
package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/database"
	"github.com/fernet/fernet-go"
)

const settingKey = "fernet_key"

// ErrDecrypt is returned when a token was not produced by any known key or
// has been corrupted.
var ErrDecrypt = errors.New("invalid or corrupted token")

// Vault encrypts with its primary key and decrypts with the primary key or
// any previous key.
type Vault struct {
	keys []*fernet.Key
}

func NewVault(primary *fernet.Key, previous ...*fernet.Key) *Vault {
	keys := make([]*fernet.Key, 0, 1+len(previous))
	keys = append(keys, primary)
	keys = append(keys, previous...)
	return &Vault{keys: keys}
}

// LoadVault builds a Vault from encoded keys. When primary is empty the key
// stored in the settings table is used, generating one on first start.
func LoadVault(primary string, previous []string) (*Vault, error) {
	var (
		key *fernet.Key
		err error
	)
	if primary != "" {
		key, err = fernet.DecodeKey(primary)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
	} else {
		key, err = storedKey()
		if err != nil {
			return nil, err
		}
	}

	prev := make([]*fernet.Key, 0, len(previous))
	for i, p := range previous {
		if p == "" {
			continue
		}
		k, err := fernet.DecodeKey(p)
		if err != nil {
			return nil, fmt.Errorf("decode previous encryption key %d: %w", i, err)
		}
		prev = append(prev, k)
	}
	return NewVault(key, prev...), nil
}

func storedKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting(settingKey)
	if err != nil {
		if !database.IsNotFound(err) {
			return nil, fmt.Errorf("load fernet key: %w", err)
		}
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(settingKey, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// Encrypt returns a fernet token for plaintext. The empty string stays empty.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), v.keys[0])
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt reverses Encrypt. It never returns partial plaintext: a token that
// fails verification yields an apperr of kind decryption.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, v.keys)
	if msg == nil {
		return "", apperr.Wrap(apperr.KindDecryption, "decrypt credential", ErrDecrypt)
	}
	return string(msg), nil
}

// Reencrypt returns ciphertext re-sealed under the primary key. The boolean
// reports whether the token changed.
func (v *Vault) Reencrypt(ciphertext string) (string, bool, error) {
	if ciphertext == "" {
		return "", false, nil
	}
	if fernet.VerifyAndDecrypt([]byte(ciphertext), 0, v.keys[:1]) != nil {
		return ciphertext, false, nil
	}
	plain, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", false, err
	}
	out, err := v.Encrypt(plain)
	return out, err == nil, err
}

// RotateHostSecrets re-encrypts every host credential that is still sealed
// under a previous key. It returns the number of hosts updated.
func (v *Vault) RotateHostSecrets() (int, error) {
	var hosts []database.Host
	if err := database.DB.Find(&hosts).Error; err != nil {
		return 0, fmt.Errorf("list hosts: %w", err)
	}

	updated := 0
	for _, h := range hosts {
		changes := map[string]any{}
		for col, val := range map[string]string{
			"password":               h.Password,
			"private_key":            h.PrivateKey,
			"private_key_passphrase": h.PrivateKeyPassphrase,
		} {
			out, changed, err := v.Reencrypt(val)
			if err != nil {
				return updated, fmt.Errorf("host %d %s: %w", h.ID, col, err)
			}
			if changed {
				changes[col] = out
			}
		}
		if len(changes) == 0 {
			continue
		}
		if err := database.UpdateHost(h.ID, changes); err != nil {
			return updated, fmt.Errorf("update host %d: %w", h.ID, err)
		}
		updated++
	}
	return updated, nil
}
