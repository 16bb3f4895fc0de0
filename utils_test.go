package sigcomm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/inconshreveable/log15"
)

var l = log15.New()

// tmpPrefix returns a socket path prefix inside a fresh temp dir. Unix socket
// paths are short, so keep the temp dir name short too.
func tmpPrefix(t *testing.T) string {
	dir, err := os.MkdirTemp("", "sigc")
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return filepath.Join(dir, "s")
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// failOnFatal is a fatal handler for code that is not expected to fail.
func failOnFatal(t *testing.T) func(error) {
	return func(err error) {
		t.Errorf("unexpected fatal error: %v", err)
	}
}
