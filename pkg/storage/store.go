package storage

import (
	"errors"
	"time"

	"github.com/octolab/octolab/pkg/types"
)

// ErrNotFound is returned for reads that match no record. Owner-scoped
// lab reads return it for both "no such lab" and "not yours"; the API
// layer maps it to 404 in either case.
var ErrNotFound = errors.New("not found")

// ErrPortTaken is returned when a port reservation already exists.
var ErrPortTaken = errors.New("port already reserved")

// Store defines the interface for lab state storage
type Store interface {
	// Labs. Rows are never deleted; terminal rows persist for evidence
	// retrieval.
	CreateLab(lab *types.Lab) error
	GetLab(id string) (*types.Lab, error)
	GetLabForOwner(ownerID, id string) (*types.Lab, error)
	ListLabs() ([]*types.Lab, error)
	ListLabsByOwner(ownerID string) ([]*types.Lab, error)
	ListLabsByStatus(status types.LabStatus) ([]*types.Lab, error)
	UpdateLab(lab *types.Lab) error
	MutateLab(id string, fn func(*types.Lab) error) (*types.Lab, error)
	CountActiveLabs(ownerID string) (int, error)

	// Port reservations. Keyed by port; release keyed by lab id and
	// idempotent.
	ReservePort(port int, labID, ownerID string) error
	ReleasePortForLab(labID string) error
	ReservationForLab(labID string) (*types.PortReservation, error)
	ReservedPorts() (map[int]string, error)

	// Work claims. A claim gives one worker exclusive ownership of a
	// lab id until the claim expires or is released.
	ClaimLab(labID, owner string, ttl time.Duration) (bool, error)
	ReleaseClaim(labID, owner string) error

	// Utility
	Close() error
}
