// Package lockkey maps a requested lock scope onto the branch that holds it.
package lockkey

import (
	"errors"
	"fmt"
	"regexp"
)

// Suffix is appended to the scope name to build a lock branch name.
const Suffix = "branch-deploy-lock"

// GlobalName is the scope name of the global lock.
const GlobalName = "global"

const maxEnvironmentLength = 200

var (
	// ErrMissingEnvironment is returned when a non-global lock is requested
	// without an environment.
	ErrMissingEnvironment = errors.New("an environment is required for a non-global lock")

	// ErrInvalidEnvironment is returned when the environment cannot be used
	// in a branch name.
	ErrInvalidEnvironment = errors.New("invalid environment name")
)

var validEnvironment = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)

// Scope is either the global scope or a named environment.
type Scope struct {
	global      bool
	environment string
}

// Global returns the global scope.
func Global() Scope {
	return Scope{global: true}
}

// Environment returns the scope of the named environment.
func Environment(name string) Scope {
	return Scope{environment: name}
}

// IsGlobal reports whether s is the global scope.
func (s Scope) IsGlobal() bool {
	return s.global
}

// EnvironmentName returns the environment of an environment scope, or an
// empty string for the global scope.
func (s Scope) EnvironmentName() string {
	return s.environment
}

// Key returns the lock key of the scope.
func (s Scope) Key() Key {
	if s.global {
		return Key(GlobalName + "-" + Suffix)
	}
	return Key(s.environment + "-" + Suffix)
}

// String returns "global" or the environment name.
func (s Scope) String() string {
	if s.global {
		return GlobalName
	}
	return s.environment
}

// Key is the name of the branch holding a lock.
type Key string

// String returns the key as a branch name.
func (k Key) String() string {
	return string(k)
}

// Resolve returns the scope and key for a lock request. A global request
// ignores environment entirely.
func Resolve(global bool, environment string) (Scope, Key, error) {
	if global {
		s := Global()
		return s, s.Key(), nil
	}

	if err := ValidateEnvironment(environment); err != nil {
		return Scope{}, "", err
	}

	s := Environment(environment)
	return s, s.Key(), nil
}

// ValidateEnvironment checks that name can be used to build a lock branch.
func ValidateEnvironment(name string) error {
	if name == "" {
		return ErrMissingEnvironment
	}
	if name == GlobalName {
		return fmt.Errorf("%w: %q is reserved for the global lock", ErrInvalidEnvironment, name)
	}
	if len(name) > maxEnvironmentLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidEnvironment, maxEnvironmentLength)
	}
	if !validEnvironment.MatchString(name) {
		return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidEnvironment, name)
	}
	if name[0] == '.' || name[0] == '/' || name[len(name)-1] == '/' || name[len(name)-1] == '.' {
		return fmt.Errorf("%w: %q must not start or end with '.' or '/'", ErrInvalidEnvironment, name)
	}
	return nil
}
