package sigcomm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestResolveExample(t *testing.T) {
	id, err := Resolve(3, 4, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 7, id.Rank())
	require.Equal(t, 8, id.Size())
	require.Equal(t, 3, id.LocalRank())
	require.Equal(t, 4, id.LocalSize())
	require.Equal(t, RoleCoordinator, id.Role())
	require.True(t, id.IsCoordinator())
}

// TestResolveAddressing checks rank and size arithmetic and that each
// simulated host has exactly one coordinator, for every small group shape.
func TestResolveAddressing(t *testing.T) {
	for numWorkers := 1; numWorkers <= 4; numWorkers++ {
		for localSize := 1; localSize <= 8; localSize++ {
			seenRanks := map[int]bool{}
			for workerID := 0; workerID < numWorkers; workerID++ {
				coordinators := 0
				for localRank := 0; localRank < localSize; localRank++ {
					id, err := Resolve(localRank, localSize, workerID, numWorkers)
					require.NoError(t, err)
					require.Equal(t, localRank+workerID*localSize, id.Rank())
					require.Equal(t, numWorkers*localSize, id.Size())
					require.Equal(t, localRank == localSize-1, id.IsCoordinator())
					if id.IsCoordinator() {
						coordinators++
					} else {
						require.Equal(t, RoleParticipant, id.Role())
					}
					require.False(t, seenRanks[id.Rank()], "rank %d assigned twice", id.Rank())
					seenRanks[id.Rank()] = true
				}
				require.Equal(t, 1, coordinators, "localSize=%d worker=%d", localSize, workerID)
			}
			require.Len(t, seenRanks, numWorkers*localSize)
		}
	}
}

func TestResolveRejectsBadCoordinates(t *testing.T) {
	tests := []struct {
		name                                       string
		localRank, localSize, workerID, numWorkers int
		badVar                                     string
	}{
		{"zero local size", 0, 0, 0, 1, EnvLocalSize},
		{"negative local rank", -1, 4, 0, 1, EnvLocalRank},
		{"local rank past local size", 4, 4, 0, 1, EnvLocalRank},
		{"zero workers", 0, 4, 0, 0, EnvNumWorkers},
		{"negative worker", 0, 4, -1, 2, EnvWorkerID},
		{"worker past worker count", 0, 4, 2, 2, EnvWorkerID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.localRank, tt.localSize, tt.workerID, tt.numWorkers)
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr), "expected ConfigError, got %v", err)
			require.Equal(t, tt.badVar, cerr.Var)
		})
	}
}

func TestResolveEnv(t *testing.T) {
	id, err := resolveEnv(rankOS(1, 4, 1, 3))
	require.NoError(t, err)
	require.Equal(t, 5, id.Rank())
	require.Equal(t, 12, id.Size())
	require.Equal(t, RoleParticipant, id.Role())
}

func TestResolveEnvErrors(t *testing.T) {
	for _, key := range []string{EnvLocalRank, EnvLocalSize, EnvWorkerID, EnvNumWorkers} {
		t.Run("missing "+key, func(t *testing.T) {
			osi := rankOS(0, 2, 0, 1)
			delete(osi.env, key)
			_, err := resolveEnv(osi)
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr))
			require.Equal(t, key, cerr.Var)
			require.Equal(t, errNotSet, errors.Cause(err))
		})
		t.Run("malformed "+key, func(t *testing.T) {
			osi := rankOS(0, 2, 0, 1)
			osi.env[key] = "two"
			_, err := resolveEnv(osi)
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr))
			require.Equal(t, key, cerr.Var)
			require.Equal(t, "two", cerr.Value)
			require.Contains(t, err.Error(), key)
		})
	}
}

func TestIdentityWithRole(t *testing.T) {
	id, err := Resolve(0, 2, 0, 1)
	require.NoError(t, err)
	elected := id.withRole(RoleCoordinator)
	require.True(t, elected.IsCoordinator())
	require.False(t, id.IsCoordinator(), "withRole must not modify the original")
	require.Equal(t, id.Rank(), elected.Rank())
}
