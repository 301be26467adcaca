package keystore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrSealed is returned when a record cannot be opened, because of a wrong passphrase or corruption.
	ErrSealed = errors.New("keystore: failed to open sealed record")

	saltKey     = []byte("meta/salt")
	sharePrefix = []byte("share/")
)

const saltSize = 16

// argon2id parameters, as recommended by RFC 9106 for memory constrained environments.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Badger is a Store persisted in a badger database.
//
// Records are sealed with XChaCha20-Poly1305 under a key derived from a passphrase with
// argon2id. The salt is generated when the database is first opened and kept in it.
// The group public key is bound to each sealed record as additional data.
type Badger struct {
	db   *badger.DB
	aead cipher.AEAD
}

// OpenBadger opens the database in dir. An empty dir keeps the database in memory.
func OpenBadger(dir string, passphrase []byte) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("keystore: could not open database: %w", err)
	}

	salt, err := loadSalt(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Badger{db: db, aead: aead}, nil
}

func loadSalt(db *badger.DB) ([]byte, error) {
	var salt []byte
	err := db.Update(func(tx *badger.Txn) error {
		item, err := tx.Get(saltKey)
		if err == nil {
			salt, err = item.ValueCopy(nil)
			return err
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("could not read salt: %w", err)
		}
		salt = make([]byte, saltSize)
		if _, err = rand.Read(salt); err != nil {
			return err
		}
		return tx.Set(saltKey, salt)
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	return salt, nil
}

// Save implements Store.
func (b *Badger) Save(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	plaintext, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	gpk := r.GroupPublicKey()
	nonce := make([]byte, b.aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return err
	}
	sealed := b.aead.Seal(nonce, nonce, plaintext, gpk)

	return b.db.Update(func(tx *badger.Txn) error {
		if err := tx.Set(shareKey(gpk), sealed); err != nil {
			return fmt.Errorf("keystore: could not store record: %w", err)
		}
		return nil
	})
}

// Load implements Store.
func (b *Badger) Load(ctx context.Context, groupPublicKey []byte) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sealed []byte
	err := b.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(shareKey(groupPublicKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("keystore: could not read record: %w", err)
		}
		sealed, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	n := b.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrSealed
	}
	plaintext, err := b.aead.Open(nil, sealed[:n], sealed[n:], groupPublicKey)
	if err != nil {
		return nil, ErrSealed
	}
	var r Record
	if err = r.UnmarshalBinary(plaintext); err != nil {
		return nil, err
	}
	return &r, nil
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func shareKey(groupPublicKey []byte) []byte {
	key := make([]byte, 0, len(sharePrefix)+len(groupPublicKey))
	key = append(key, sharePrefix...)
	return append(key, groupPublicKey...)
}
