// Package credstore persists the bearer credential pair on the client
// side and answers the "is a usable session present" questions the
// session cache and realtime client ask.
package credstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAuth = []byte("auth")
	keyAccess  = []byte("access_token")
	keyRefresh = []byte("refresh_token")
)

// Store keeps the token pair in a single-bucket bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the credential database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAuth)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init credential store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tokens returns the stored pair. Empty strings mean no credential.
func (s *Store) Tokens() (access, refresh string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuth)
		access = string(b.Get(keyAccess))
		refresh = string(b.Get(keyRefresh))
		return nil
	})
	return access, refresh, err
}

// SaveTokens stores a rotated pair atomically.
func (s *Store) SaveTokens(access, refresh string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuth)
		if err := b.Put(keyAccess, []byte(access)); err != nil {
			return err
		}
		return b.Put(keyRefresh, []byte(refresh))
	})
}

// Clear removes both tokens.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuth)
		if err := b.Delete(keyAccess); err != nil {
			return err
		}
		return b.Delete(keyRefresh)
	})
}

// AccessToken implements realtime.TokenSource.
func (s *Store) AccessToken() (string, error) {
	access, _, err := s.Tokens()
	return access, err
}

// AccessExpiresAt reads the exp claim of the stored access token without
// verifying the signature. Only the client's own scheduling depends on
// it; the server re-validates every request.
func AccessExpiresAt(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("access token has no exp claim")
	}
	return exp.Time, nil
}
