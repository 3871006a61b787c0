// Package users provides the verifier's directory of authorized provers,
// keyed by their long-term identity public keys.
package users

import (
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/picoauth/pico-go/internal/crypto"
)

// Directory looks up provers by identity key. Implementations must be safe
// for concurrent readers.
type Directory interface {
	// SearchByKey returns the username registered for the key.
	SearchByKey(pub *ecdsa.PublicKey) (string, bool)

	// SearchSymmetricKeyByKey returns the symmetric key stored for the
	// prover, if any.
	SearchSymmetricKeyByKey(pub *ecdsa.PublicKey) ([]byte, bool)
}

// Authorized applies the directory policy: a nil directory authorizes every
// prover unconditionally.
func Authorized(dir Directory, pub *ecdsa.PublicKey) (string, bool) {
	if dir == nil {
		return "", true
	}
	return dir.SearchByKey(pub)
}

type entry struct {
	name         string
	symmetricKey []byte
}

// FileDirectory is a Directory backed by a YAML file mapping identity keys
// to usernames. Lookups index by the base64 DER encoding of the key.
type FileDirectory struct {
	entries map[string]entry
}

// fileUser is the YAML shape of one directory entry.
type fileUser struct {
	Name         string `yaml:"name"`
	PublicKey    string `yaml:"public_key"`    // base64 DER SubjectPublicKeyInfo
	SymmetricKey string `yaml:"symmetric_key"` // base64, optional
}

type fileFormat struct {
	Users []fileUser `yaml:"users"`
}

// NewFileDirectory creates an empty directory.
func NewFileDirectory() *FileDirectory {
	return &FileDirectory{entries: make(map[string]entry)}
}

// LoadFile reads a directory from a YAML file.
func LoadFile(path string) (*FileDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}

	dir := NewFileDirectory()
	for i, u := range f.Users {
		if u.Name == "" {
			return nil, fmt.Errorf("users file entry %d: missing name", i)
		}
		der, err := base64.StdEncoding.DecodeString(u.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("users file entry %q: public key: %w", u.Name, err)
		}
		pub, err := crypto.ParsePublicDER(der)
		if err != nil {
			return nil, fmt.Errorf("users file entry %q: %w", u.Name, err)
		}
		var sym []byte
		if u.SymmetricKey != "" {
			sym, err = base64.StdEncoding.DecodeString(u.SymmetricKey)
			if err != nil {
				return nil, fmt.Errorf("users file entry %q: symmetric key: %w", u.Name, err)
			}
		}
		dir.add(pub, u.Name, sym)
	}
	return dir, nil
}

// Add registers a prover identity under a username.
func (d *FileDirectory) Add(name string, pub *ecdsa.PublicKey, symmetricKey []byte) error {
	if pub == nil {
		return fmt.Errorf("nil public key for user %q", name)
	}
	d.add(pub, name, symmetricKey)
	return nil
}

func (d *FileDirectory) add(pub *ecdsa.PublicKey, name string, symmetricKey []byte) {
	der, err := crypto.MarshalPublicDER(pub)
	if err != nil {
		return
	}
	d.entries[base64.StdEncoding.EncodeToString(der)] = entry{name: name, symmetricKey: symmetricKey}
}

// SearchByKey returns the username registered for the key.
func (d *FileDirectory) SearchByKey(pub *ecdsa.PublicKey) (string, bool) {
	e, ok := d.lookup(pub)
	if !ok {
		return "", false
	}
	return e.name, true
}

// SearchSymmetricKeyByKey returns the symmetric key stored for the prover.
func (d *FileDirectory) SearchSymmetricKeyByKey(pub *ecdsa.PublicKey) ([]byte, bool) {
	e, ok := d.lookup(pub)
	if !ok || e.symmetricKey == nil {
		return nil, false
	}
	key := make([]byte, len(e.symmetricKey))
	copy(key, e.symmetricKey)
	return key, true
}

func (d *FileDirectory) lookup(pub *ecdsa.PublicKey) (entry, bool) {
	if pub == nil {
		return entry{}, false
	}
	der, err := crypto.MarshalPublicDER(pub)
	if err != nil {
		return entry{}, false
	}
	e, ok := d.entries[base64.StdEncoding.EncodeToString(der)]
	return e, ok
}

// Len returns the number of registered provers.
func (d *FileDirectory) Len() int {
	return len(d.entries)
}
