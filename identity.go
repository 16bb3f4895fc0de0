package sigcomm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Role is a process's part in local signaling.
type Role string

const (
	// RoleCoordinator runs the host's signal listener. There is exactly one per
	// host: the highest local rank.
	RoleCoordinator Role = "coordinator"
	// RoleParticipant is every other process on the host.
	RoleParticipant Role = "participant"
)

// Identity is a process's place in the execution group. It is computed once at
// init and never changes.
type Identity struct {
	rank      int
	size      int
	localRank int
	localSize int
	role      Role
}

func (id Identity) Rank() int      { return id.rank }
func (id Identity) Size() int      { return id.size }
func (id Identity) LocalRank() int { return id.localRank }
func (id Identity) LocalSize() int { return id.localSize }
func (id Identity) Role() Role     { return id.role }

// IsCoordinator reports whether this process runs the host listener.
func (id Identity) IsCoordinator() bool { return id.role == RoleCoordinator }

func (id Identity) String() string {
	return fmt.Sprintf("rank=%d/%d local=%d/%d role=%s", id.rank, id.size, id.localRank, id.localSize, id.role)
}

// withRole returns a copy of the identity with a different role. Used when the
// role is decided by lock election rather than by slot.
func (id Identity) withRole(r Role) Identity {
	id.role = r
	return id
}

// Resolve derives a process identity from its launcher-provided coordinates.
//
// The global rank is localRank + workerID*localSize and the group size is
// numWorkers*localSize. It is assumed, not checked, that every worker has the
// same localSize. The top local slot self-assigns the coordinator role, so no
// election messages are exchanged.
func Resolve(localRank, localSize, workerID, numWorkers int) (Identity, error) {
	switch {
	case localSize < 1:
		return Identity{}, &ConfigError{Var: EnvLocalSize, Value: fmt.Sprint(localSize), Err: errors.New("must be positive")}
	case localRank < 0 || localRank >= localSize:
		return Identity{}, &ConfigError{Var: EnvLocalRank, Value: fmt.Sprint(localRank), Err: errors.Errorf("must be in [0, %d)", localSize)}
	case numWorkers < 1:
		return Identity{}, &ConfigError{Var: EnvNumWorkers, Value: fmt.Sprint(numWorkers), Err: errors.New("must be positive")}
	case workerID < 0 || workerID >= numWorkers:
		return Identity{}, &ConfigError{Var: EnvWorkerID, Value: fmt.Sprint(workerID), Err: errors.Errorf("must be in [0, %d)", numWorkers)}
	}

	role := RoleParticipant
	if localRank == localSize-1 {
		role = RoleCoordinator
	}
	return Identity{
		rank:      localRank + workerID*localSize,
		size:      numWorkers * localSize,
		localRank: localRank,
		localSize: localSize,
		role:      role,
	}, nil
}

// ResolveEnv is Resolve over the four launcher environment variables.
func ResolveEnv() (Identity, error) {
	return resolveEnv(realOS{})
}

func resolveEnv(osi osIface) (Identity, error) {
	localRank, err := envInt(osi, EnvLocalRank)
	if err != nil {
		return Identity{}, err
	}
	localSize, err := envInt(osi, EnvLocalSize)
	if err != nil {
		return Identity{}, err
	}
	workerID, numWorkers, err := envWorker(osi)
	if err != nil {
		return Identity{}, err
	}
	return Resolve(localRank, localSize, workerID, numWorkers)
}
