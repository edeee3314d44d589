// Package store persists connection tokens, calendar connections, and
// the tenant/staff directory in a bbolt database. All mutations run
// inside bbolt write transactions, which bbolt serializes; the token
// consume path relies on this for its compare-and-swap semantics.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rosterly/calconnect/internal/models"
)

const (
	// storeDirPerm is the permission mode for the store directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file. The
	// file holds provider credentials and must not be group readable.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	tokensBucket      = []byte("connection_tokens")
	connectionsBucket = []byte("calendar_connections")
	tenantsBucket     = []byte("tenants")
	staffBucket       = []byte("staff")
)

// connectionKey builds the composite key for a calendar connection.
// Tenant and staff identifiers are opaque and never contain "/" (they
// are minted as UUIDs by the provisioning endpoints).
func connectionKey(tenantID, staffID string) []byte {
	return []byte(tenantID + "/" + staffID)
}

func staffKey(tenantID, staffID string) []byte {
	return []byte(tenantID + "/" + staffID)
}

// Store wraps a bbolt database for all persistent service state.
type Store struct {
	db *bolt.DB
}

// Open opens the database at the given path, creating it and all record
// buckets if they do not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{tokensBucket, connectionsBucket, tenantsBucket, staffBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveConnectionToken persists a freshly issued connection token.
func (s *Store) SaveConnectionToken(t models.ConnectionToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		data, err := json.Marshal(t)
		if err != nil {
			return err
		}

		return b.Put([]byte(t.ID), data)
	})
}

// GetConnectionToken returns a token by value, or nil if not found.
func (s *Store) GetConnectionToken(id string) (*models.ConnectionToken, error) {
	var t *models.ConnectionToken

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		t = &models.ConnectionToken{}

		return json.Unmarshal(v, t)
	})

	return t, err
}

// ConsumeConnectionToken marks a token used if and only if it exists, is
// unexpired, and has not already been used. The read, checks, and write
// all happen inside one write transaction, so of N concurrent callers
// exactly one observes Used=false and wins; the rest get ErrTokenUsed.
//
// Check order matters: expiry is reported before use, so an expired
// token always yields ErrTokenExpired regardless of its used flag.
func (s *Store) ConsumeConnectionToken(id string, now time.Time) (*models.ConnectionToken, error) {
	var t *models.ConnectionToken

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return ErrTokenNotFound
		}

		rec := &models.ConnectionToken{}
		if err := json.Unmarshal(v, rec); err != nil {
			return fmt.Errorf("decoding token record: %w", err)
		}

		if rec.Expired(now) {
			return ErrTokenExpired
		}

		if rec.Used {
			return ErrTokenUsed
		}

		rec.Used = true
		rec.UsedAt = now

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		if err := b.Put([]byte(id), data); err != nil {
			return err
		}

		t = rec

		return nil
	})
	if err != nil {
		return nil, err
	}

	return t, nil
}

// PruneExpiredTokens deletes connection tokens whose expiry is older
// than now. Expired tokens are already inert; this is housekeeping only.
// Returns the number of tokens removed.
func (s *Store) PruneExpiredTokens(now time.Time) (int, error) {
	pruned := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var t models.ConnectionToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			if t.Expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		pruned = len(stale)

		return nil
	})

	return pruned, err
}

// SaveConnection upserts the calendar connection for a staff member.
// The last successful write wins; re-connection overwrites any prior
// record for the same (tenant, staff) pair.
func (s *Store) SaveConnection(c models.CalendarConnection) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(connectionsBucket)

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return b.Put(connectionKey(c.TenantID, c.StaffID), data)
	})
}

// GetConnection returns the calendar connection for a staff member, or
// nil if none exists.
func (s *Store) GetConnection(tenantID, staffID string) (*models.CalendarConnection, error) {
	var c *models.CalendarConnection

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(connectionsBucket)

		v := b.Get(connectionKey(tenantID, staffID))
		if v == nil {
			return nil
		}

		c = &models.CalendarConnection{}

		return json.Unmarshal(v, c)
	})

	return c, err
}

// SaveTenant persists a tenant record.
func (s *Store) SaveTenant(t models.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tenantsBucket)

		data, err := json.Marshal(t)
		if err != nil {
			return err
		}

		return b.Put([]byte(t.ID), data)
	})
}

// GetTenant returns a tenant by ID, or nil if not found.
func (s *Store) GetTenant(id string) (*models.Tenant, error) {
	var t *models.Tenant

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tenantsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		t = &models.Tenant{}

		return json.Unmarshal(v, t)
	})

	return t, err
}

// SaveStaff persists a staff member record scoped under their tenant.
func (s *Store) SaveStaff(m models.StaffMember) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(staffBucket)

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return b.Put(staffKey(m.TenantID, m.ID), data)
	})
}

// GetStaff returns a staff member within a tenant, or nil if not found.
func (s *Store) GetStaff(tenantID, staffID string) (*models.StaffMember, error) {
	var m *models.StaffMember

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(staffBucket)

		v := b.Get(staffKey(tenantID, staffID))
		if v == nil {
			return nil
		}

		m = &models.StaffMember{}

		return json.Unmarshal(v, m)
	})

	return m, err
}
