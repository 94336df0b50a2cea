// Package cleanup centralizes process-exit cleanup hooks: the SSH key
// temp-file unlink and the stale git lock-file sweep. Rather than
// scattering defers through main and the signal handler, every such hook is
// registered once here. Run executes them; each hook is also registered
// with github.com/tebeka/atexit, so it runs if the process exits through
// atexit.Exit. A plain os.Exit (flag usage errors, fatal startup errors)
// runs neither.
package cleanup

import (
	"sync"

	"github.com/tebeka/atexit"
)

var (
	mu    sync.Mutex
	hooks []namedHook
)

type namedHook struct {
	name string
	fn   func()
}

// Register adds fn to the set of cleanup hooks. name is stored with the
// hook to identify it; neither Run nor the atexit.Exit path uses it.
func Register(name string, fn func()) {
	mu.Lock()
	hooks = append(hooks, namedHook{name: name, fn: fn})
	mu.Unlock()

	atexit.Register(fn)
}

// Run executes every registered hook once, in registration order. main
// calls it on the graceful-shutdown path (a caught SIGINT/SIGTERM) and
// before the -one-time exit.
func Run() {
	mu.Lock()
	toRun := make([]namedHook, len(hooks))
	copy(toRun, hooks)
	mu.Unlock()

	for _, h := range toRun {
		h.fn()
	}
}
