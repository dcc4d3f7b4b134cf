package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/octolab/octolab/pkg/types"
)

var (
	// Bucket names
	bucketLabs   = []byte("labs")
	bucketPorts  = []byte("ports")
	bucketClaims = []byte("claims")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "octolab.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketLabs, bucketPorts, bucketClaims}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateLab stores a new lab record, refusing duplicate ids.
func (s *BoltStore) CreateLab(lab *types.Lab) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLabs)
		if bucket.Get([]byte(lab.ID)) != nil {
			return fmt.Errorf("lab %s already exists", lab.ID)
		}
		now := time.Now().UTC()
		if lab.CreatedAt.IsZero() {
			lab.CreatedAt = now
		}
		lab.UpdatedAt = now
		data, err := json.Marshal(lab)
		if err != nil {
			return fmt.Errorf("failed to marshal lab: %w", err)
		}
		return bucket.Put([]byte(lab.ID), data)
	})
}

// GetLab retrieves a lab by ID
func (s *BoltStore) GetLab(id string) (*types.Lab, error) {
	var lab types.Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLabs)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("lab %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &lab)
	})
	if err != nil {
		return nil, err
	}
	return &lab, nil
}

// GetLabForOwner retrieves a lab by ID only when it belongs to ownerID.
// A lab owned by someone else reads the same as a lab that does not
// exist, so callers cannot probe for foreign lab ids.
func (s *BoltStore) GetLabForOwner(ownerID, id string) (*types.Lab, error) {
	lab, err := s.GetLab(id)
	if err != nil {
		return nil, err
	}
	if lab.OwnerID != ownerID {
		return nil, fmt.Errorf("lab %s: %w", id, ErrNotFound)
	}
	return lab, nil
}

// ListLabs returns all lab records
func (s *BoltStore) ListLabs() ([]*types.Lab, error) {
	var labs []*types.Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLabs)
		return bucket.ForEach(func(k, v []byte) error {
			var lab types.Lab
			if err := json.Unmarshal(v, &lab); err != nil {
				return fmt.Errorf("failed to unmarshal lab %s: %w", k, err)
			}
			labs = append(labs, &lab)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return labs, nil
}

// ListLabsByOwner returns all labs belonging to ownerID.
func (s *BoltStore) ListLabsByOwner(ownerID string) ([]*types.Lab, error) {
	all, err := s.ListLabs()
	if err != nil {
		return nil, err
	}
	var labs []*types.Lab
	for _, lab := range all {
		if lab.OwnerID == ownerID {
			labs = append(labs, lab)
		}
	}
	return labs, nil
}

// ListLabsByStatus returns all labs currently in the given status.
func (s *BoltStore) ListLabsByStatus(status types.LabStatus) ([]*types.Lab, error) {
	all, err := s.ListLabs()
	if err != nil {
		return nil, err
	}
	var labs []*types.Lab
	for _, lab := range all {
		if lab.Status == status {
			labs = append(labs, lab)
		}
	}
	return labs, nil
}

// UpdateLab stores the lab record, overwriting any previous version.
func (s *BoltStore) UpdateLab(lab *types.Lab) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLabs)
		lab.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(lab)
		if err != nil {
			return fmt.Errorf("failed to marshal lab: %w", err)
		}
		return bucket.Put([]byte(lab.ID), data)
	})
}

// MutateLab applies fn to the stored lab inside a single write
// transaction. Write transactions serialize, so fn always sees the
// latest stored state and its result lands atomically. If fn returns
// an error nothing is written.
func (s *BoltStore) MutateLab(id string, fn func(*types.Lab) error) (*types.Lab, error) {
	var lab types.Lab
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLabs)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("lab %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &lab); err != nil {
			return fmt.Errorf("failed to unmarshal lab %s: %w", id, err)
		}
		if err := fn(&lab); err != nil {
			return err
		}
		lab.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&lab)
		if err != nil {
			return fmt.Errorf("failed to marshal lab: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
	if err != nil {
		return nil, err
	}
	return &lab, nil
}

// CountActiveLabs counts the owner's labs that have not reached a
// terminal status. Quota checks call this before creating a lab.
func (s *BoltStore) CountActiveLabs(ownerID string) (int, error) {
	labs, err := s.ListLabsByOwner(ownerID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, lab := range labs {
		if !lab.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// ReservePort records a host port reservation for a lab. Re-reserving
// the same port for the same lab is a no-op; any other collision
// returns ErrPortTaken.
func (s *BoltStore) ReservePort(port int, labID, ownerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPorts)
		key := []byte(strconv.Itoa(port))
		if existing := bucket.Get(key); existing != nil {
			var res types.PortReservation
			if err := json.Unmarshal(existing, &res); err == nil && res.LabID == labID {
				return nil
			}
			return fmt.Errorf("port %d: %w", port, ErrPortTaken)
		}
		res := types.PortReservation{
			Port:      port,
			LabID:     labID,
			OwnerID:   ownerID,
			CreatedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(&res)
		if err != nil {
			return fmt.Errorf("failed to marshal reservation: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// ReleasePortForLab removes any reservation held by the lab. Releasing
// a lab with no reservation is not an error, so teardown can always
// call it.
func (s *BoltStore) ReleasePortForLab(labID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPorts)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var res types.PortReservation
			if err := json.Unmarshal(v, &res); err != nil {
				return fmt.Errorf("failed to unmarshal reservation %s: %w", k, err)
			}
			if res.LabID == labID {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReservationForLab returns the port reservation held by the lab.
func (s *BoltStore) ReservationForLab(labID string) (*types.PortReservation, error) {
	var found *types.PortReservation
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPorts)
		return bucket.ForEach(func(k, v []byte) error {
			var res types.PortReservation
			if err := json.Unmarshal(v, &res); err != nil {
				return fmt.Errorf("failed to unmarshal reservation %s: %w", k, err)
			}
			if res.LabID == labID {
				found = &res
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("reservation for lab %s: %w", labID, ErrNotFound)
	}
	return found, nil
}

// ReservedPorts returns the current port to lab id mapping.
func (s *BoltStore) ReservedPorts() (map[int]string, error) {
	reserved := make(map[int]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPorts)
		return bucket.ForEach(func(k, v []byte) error {
			port, err := strconv.Atoi(string(k))
			if err != nil {
				return fmt.Errorf("bad port key %q: %w", k, err)
			}
			var res types.PortReservation
			if err := json.Unmarshal(v, &res); err != nil {
				return fmt.Errorf("failed to unmarshal reservation %s: %w", k, err)
			}
			reserved[port] = res.LabID
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// ClaimLab attempts to take an exclusive work claim on the lab.
// Returns true when the caller now holds the claim. A live claim by
// another owner makes this return false without error; the caller
// skips the lab and moves on. Claims expire after ttl so a crashed
// worker cannot block a lab forever.
func (s *BoltStore) ClaimLab(labID, owner string, ttl time.Duration) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketClaims)
		key := []byte(labID)
		now := time.Now().UTC()
		if data := bucket.Get(key); data != nil {
			var existing types.WorkClaim
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("failed to unmarshal claim %s: %w", labID, err)
			}
			if existing.Owner != owner && now.Before(existing.ExpiresAt) {
				return nil
			}
		}
		claim := types.WorkClaim{
			LabID:     labID,
			Owner:     owner,
			ExpiresAt: now.Add(ttl),
		}
		data, err := json.Marshal(&claim)
		if err != nil {
			return fmt.Errorf("failed to marshal claim: %w", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// ReleaseClaim drops the caller's claim on the lab. A claim held by a
// different owner is left untouched.
func (s *BoltStore) ReleaseClaim(labID, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketClaims)
		key := []byte(labID)
		data := bucket.Get(key)
		if data == nil {
			return nil
		}
		var claim types.WorkClaim
		if err := json.Unmarshal(data, &claim); err != nil {
			return fmt.Errorf("failed to unmarshal claim %s: %w", labID, err)
		}
		if claim.Owner != owner {
			return nil
		}
		return bucket.Delete(key)
	})
}
