package sigcomm

import (
	"strconv"
	"sync"
)

type mockOS struct {
	pid int
	env map[string]string

	mu       sync.Mutex
	exited   bool
	exitCode int
}

// rankOS is a mockOS with the launcher environment for one process.
func rankOS(localRank, localSize, workerID, numWorkers int) *mockOS {
	return &mockOS{
		pid: 1000 + localRank,
		env: map[string]string{
			EnvLocalRank:  strconv.Itoa(localRank),
			EnvLocalSize:  strconv.Itoa(localSize),
			EnvWorkerID:   strconv.Itoa(workerID),
			EnvNumWorkers: strconv.Itoa(numWorkers),
		},
	}
}

func (m *mockOS) LookupEnv(key string) (string, bool) {
	v, ok := m.env[key]
	return v, ok
}

func (m *mockOS) Getpid() int {
	return m.pid
}

func (m *mockOS) Exit(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exited = true
	m.exitCode = code
}

func (m *mockOS) exitStatus() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exited, m.exitCode
}

// fatalRecorder collects errors passed to a fatal handler.
type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatalRecorder) handle(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fatalRecorder) errors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}
