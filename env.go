package sigcomm

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Environment variables injected by the launcher.
const (
	EnvLocalRank  = "BYTEPS_LOCAL_RANK"
	EnvLocalSize  = "BYTEPS_LOCAL_SIZE"
	EnvWorkerID   = "DMLC_WORKER_ID"
	EnvNumWorkers = "DMLC_NUM_WORKER"

	// EnvMode selects the signaling backend when no WithMode option is given.
	EnvMode = "SIGCOMM_MODE"
	// EnvGroupPeers is the ordered, comma separated list of group member
	// addresses used by the gRPC group.
	EnvGroupPeers = "SIGCOMM_GROUP_PEERS"
	// EnvGroupAddr is this member's own entry in EnvGroupPeers.
	EnvGroupAddr = "SIGCOMM_GROUP_ADDR"
)

var errNotSet = errors.New("not set")

// envInt reads a required integer from the environment.
func envInt(osi osIface, key string) (int, error) {
	raw, ok := osi.LookupEnv(key)
	if !ok {
		return 0, &ConfigError{Var: key, Err: errNotSet}
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, &ConfigError{Var: key, Value: raw, Err: errors.New("not an integer")}
	}
	return v, nil
}

func envString(osi osIface, key string) (string, error) {
	raw, ok := osi.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", &ConfigError{Var: key, Err: errNotSet}
	}
	return strings.TrimSpace(raw), nil
}

// envWorker reads the worker index and worker count, which every mode needs.
func envWorker(osi osIface) (workerID, numWorkers int, err error) {
	if workerID, err = envInt(osi, EnvWorkerID); err != nil {
		return 0, 0, err
	}
	if numWorkers, err = envInt(osi, EnvNumWorkers); err != nil {
		return 0, 0, err
	}
	return workerID, numWorkers, nil
}
