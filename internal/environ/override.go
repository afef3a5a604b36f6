package environ

import (
	"fmt"
	"os"

	"moosedev/internal/logging"
)

// Option adjusts how Override manages the process environment.
type Option func(*overrideOptions)

type overrideOptions struct {
	replace bool
	strict  bool
}

// Replace clears the process environment before applying the overrides.
func Replace() Option {
	return func(o *overrideOptions) { o.replace = true }
}

// Strict removes keys that were introduced during the scope when it exits.
// Without it, such keys stay set after the scope and only the originally
// captured keys are re-applied.
func Strict() Option {
	return func(o *overrideOptions) { o.strict = true }
}

// Override applies vars to the process environment, runs fn and restores
// the captured environment on every exit path, including panics.
//
// Restoration re-applies every originally present key on top of the
// current state. Keys added inside the scope survive unless Strict is set.
// The process environment is global: Override must not be used from
// concurrent goroutines.
func Override(vars map[string]string, fn func() error, opts ...Option) (err error) {
	var o overrideOptions
	for _, opt := range opts {
		opt(&o)
	}

	original := FromProcess()
	logging.EnvironDebug("Override: capturing %d vars (replace=%v, strict=%v)", original.Len(), o.replace, o.strict)

	defer func() {
		if rerr := restore(original, o.strict); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if o.replace {
		os.Clearenv()
	}
	for k, v := range vars {
		if serr := os.Setenv(k, v); serr != nil {
			return fmt.Errorf("set %s: %w", k, serr)
		}
	}

	return fn()
}

func restore(original Env, strict bool) error {
	if strict {
		for _, key := range FromProcess().Keys() {
			if _, ok := original.Lookup(key); !ok {
				if err := os.Unsetenv(key); err != nil {
					return fmt.Errorf("unset %s: %w", key, err)
				}
			}
		}
	}
	for _, key := range original.Keys() {
		if err := os.Setenv(key, original.Get(key)); err != nil {
			return fmt.Errorf("restore %s: %w", key, err)
		}
	}
	logging.EnvironDebug("Override: restored %d vars", original.Len())
	return nil
}
