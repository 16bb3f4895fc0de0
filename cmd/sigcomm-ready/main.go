// Package main implements sigcomm-ready, a one-way readiness barrier for the
// processes of one host.
//
// Every process on the host runs sigcomm-ready with its launcher environment.
// The coordinator waits until every peer endpoint is live and broadcasts a
// ready token; every participant blocks until the token arrives. When the
// command exits 0 on all local ranks, the host's control channel works end to
// end.
//
// Configuration:
//   - BYTEPS_LOCAL_RANK, BYTEPS_LOCAL_SIZE: device slot and slot count (required)
//   - DMLC_WORKER_ID, DMLC_NUM_WORKER: worker index and count (required)
//   - SIGCOMM_MODE: "socket" (default) or "group"
//   - SIGCOMM_GROUP_PEERS, SIGCOMM_GROUP_ADDR: group membership, group mode only
//
// Example usage:
//
//	BYTEPS_LOCAL_RANK=0 BYTEPS_LOCAL_SIZE=2 DMLC_WORKER_ID=0 DMLC_NUM_WORKER=1 ./sigcomm-ready &
//	BYTEPS_LOCAL_RANK=1 BYTEPS_LOCAL_SIZE=2 DMLC_WORKER_ID=0 DMLC_NUM_WORKER=1 ./sigcomm-ready
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/sigcomm"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// logFatal is a variable so tests can intercept fatal exits.
var logFatal = func(l log15.Logger, msg string, ctx ...interface{}) {
	l.Crit(msg, ctx...)
	os.Exit(1)
}

// readyToken is the signal the coordinator broadcasts.
var readyToken = []byte("ready")

type config struct {
	mode        string
	prefix      string
	peerTimeout time.Duration
	election    bool
	verbose     bool
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("sigcomm-ready", flag.ContinueOnError)
	fs.StringVar(&cfg.mode, "mode", "", "signaling backend (socket or group); defaults to $SIGCOMM_MODE")
	fs.StringVar(&cfg.prefix, "prefix", sigcomm.DefaultSocketPrefix, "socket endpoint path prefix")
	fs.DurationVar(&cfg.peerTimeout, "peer-timeout", time.Minute, "how long the coordinator waits for peer endpoints")
	fs.BoolVar(&cfg.election, "lock-election", false, "elect the coordinator by lock instead of by local rank")
	fs.BoolVar(&cfg.verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if cfg.mode != "" && !sigcomm.HasMode(cfg.mode) {
		return config{}, errors.Errorf("unknown mode %q, available: %v", cfg.mode, sigcomm.AvailableModes())
	}
	return cfg, nil
}

func newLogger(verbose bool) log15.Logger {
	lvl := log15.LvlInfo
	if verbose {
		lvl = log15.LvlDebug
	}
	l := log15.New("cmd", "sigcomm-ready")
	l.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))
	return l
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	l := newLogger(cfg.verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, l, clock.RealClock{}, cfg); err != nil {
		logFatal(l, "readiness barrier failed", "err", err)
	}
}

func run(ctx context.Context, l log15.Logger, clk clock.WithTicker, cfg config) error {
	opts := []sigcomm.Option{
		sigcomm.WithLogger(l),
		sigcomm.WithSocketPrefix(cfg.prefix),
		sigcomm.WithClock(clk),
		sigcomm.WithFatalHandler(func(err error) {
			logFatal(l, "control channel failure", "err", err)
		}),
	}
	if cfg.mode != "" {
		opts = append(opts, sigcomm.WithMode(cfg.mode))
	}
	if cfg.election {
		opts = append(opts, sigcomm.WithLockElection())
	}
	comm, err := sigcomm.New(ctx, opts...)
	if err != nil {
		return err
	}
	defer comm.Close()

	id := comm.Identity()
	l = l.New("rank", id.Rank(), "localRank", id.LocalRank())

	if id.IsCoordinator() {
		if comm.Mode() == sigcomm.ModeSocket {
			waitCtx, cancel := context.WithTimeout(ctx, cfg.peerTimeout)
			defer cancel()
			if err := waitForEndpoints(waitCtx, clk, cfg.prefix, id); err != nil {
				return err
			}
		}
		if err := comm.BroadcastSignal(id.LocalRank(), readyToken); err != nil {
			return err
		}
		l.Info("host is ready", "localSize", id.LocalSize())
		return nil
	}

	source, payload, err := comm.RecvSignal(sigcomm.MaxSignalLen)
	if err != nil {
		return err
	}
	if !bytes.Equal(payload, readyToken) {
		return errors.Errorf("unexpected signal %q from local rank %d", payload, source)
	}
	l.Info("received ready", "from", source)
	return nil
}

// waitForEndpoints polls until every other local rank has a live socket
// bound. Socket files left over from a crashed run don't count.
func waitForEndpoints(ctx context.Context, clk clock.WithTicker, prefix string, id sigcomm.Identity) error {
	ticker := clk.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		missing := -1
		for r := 0; r < id.LocalSize(); r++ {
			if r == id.LocalRank() {
				continue
			}
			alive, err := sigcomm.EndpointAlive(prefix, r)
			if err != nil {
				return err
			}
			if !alive {
				missing = r
				break
			}
		}
		if missing < 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for local rank %d to bind", missing)
		case <-ticker.C():
		}
	}
}
