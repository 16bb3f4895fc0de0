package sigcomm

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/euank/filelock"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

const (
	coordinatorLockName = "coordinator.lock"

	electionMinBackoff = 10 * time.Millisecond
	electionMaxBackoff = time.Second
)

// electionLock elects a host coordinator by exclusive flock: the first process
// to hold the lock coordinates, everyone else participates. The lock is held
// for the life of the process, so the kernel releases it if the coordinator
// dies.
type electionLock struct {
	path  string
	lock  *filelock.FileLock
	clock clock.Clock
	// tryExclusive takes the lock without blocking, failing with
	// filelock.ErrLocked if someone else holds it.
	tryExclusive func(path string) (*filelock.FileLock, error)
	pid          int
	l            log15.Logger
}

func tryExclusiveLock(path string) (*filelock.FileLock, error) {
	return filelock.TryExclusiveLock(path, filelock.RegFile)
}

func newElectionLock(c clock.Clock, l log15.Logger, prefix string, pid int) *electionLock {
	if prefix == "" {
		prefix = DefaultSocketPrefix
	}
	path := prefix + coordinatorLockName
	return &electionLock{
		path:         path,
		clock:        c,
		tryExclusive: tryExclusiveLock,
		pid:          pid,
		l:            l.New("lock", path),
	}
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// tryLock makes one attempt at the lock. It reports false, nil when another
// process holds it.
func (e *electionLock) tryLock() (bool, error) {
	if e.lock != nil {
		return true, nil
	}
	if err := touchFile(e.path); err != nil {
		return false, err
	}
	lock, err := e.tryExclusive(e.path)
	if err == filelock.ErrLocked {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.lock = lock
	// Record the holder for whoever comes looking. Failing to do so doesn't
	// change who holds the lock.
	if err := os.WriteFile(e.path, []byte(strconv.Itoa(e.pid)), 0644); err != nil {
		e.l.Warn("can't record coordinator pid", "err", err)
	}
	return true, nil
}

func isTransientLockErr(err error) bool {
	switch errors.Cause(err) {
	case unix.EINTR, unix.ENOLCK:
		return true
	}
	return false
}

// elect tries for the lock, retrying transient failures with exponential
// backoff until ctx ends. Losing to another holder is not retried.
func (e *electionLock) elect(ctx context.Context) (Role, error) {
	backoff := electionMinBackoff
	for {
		won, err := e.tryLock()
		if err == nil {
			if won {
				e.l.Info("won coordinator election")
				return RoleCoordinator, nil
			}
			e.l.Info("coordinator lock is held", "holder", e.holderString())
			return RoleParticipant, nil
		}
		if !isTransientLockErr(err) {
			return "", errors.Wrapf(err, "can't lock %s", e.path)
		}
		e.l.Warn("transient error taking coordinator lock, retrying", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return "", errors.Wrap(ctx.Err(), "coordinator election")
		case <-e.clock.After(backoff):
		}
		backoff *= 2
		if backoff > electionMaxBackoff {
			backoff = electionMaxBackoff
		}
	}
}

// holder returns the pid recorded by the current lock holder, or 0 if none is
// recorded.
func (e *electionLock) holder() (int, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Errorf("unable to parse pid out of data %q: %v", s, err)
	}
	return pid, nil
}

func (e *electionLock) holderString() string {
	pid, err := e.holder()
	if err != nil {
		return "unknown"
	}
	return strconv.Itoa(pid)
}

// unlock releases the lock if held. The lock file stays, it is just a name.
func (e *electionLock) unlock() error {
	if e.lock == nil {
		return nil
	}
	lock := e.lock
	e.lock = nil
	_ = os.Truncate(e.path, 0)
	err := lock.Unlock()
	if cerr := lock.Close(); err == nil {
		err = cerr
	}
	return err
}
