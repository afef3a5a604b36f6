// Package startup holds the application's one-time initialization hook.
package startup

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"moosedev/internal/logging"
)

// Message is printed when the application starts.
const Message = "Custom app starting up"

// Hook runs its initialization work at most once.
type Hook struct {
	Name string

	once sync.Once
	ran  atomic.Bool
}

// Ready prints the startup message to w the first time it is called and
// reports whether this call printed it.
func (h *Hook) Ready(w io.Writer) bool {
	first := false
	h.once.Do(func() {
		first = true
		fmt.Fprintln(w, Message)
		logging.Boot("App %q ready", h.Name)
		h.ran.Store(true)
	})
	return first
}

// Done reports whether Ready has run.
func (h *Hook) Done() bool {
	return h.ran.Load()
}

// App is the process-wide hook for the news app.
var App = &Hook{Name: "news"}
