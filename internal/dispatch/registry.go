// Package dispatch maps action types to executable handlers and carries the
// typed errors the retry scheduler classifies.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"steward/internal/domain"
)

var (
	ErrUnknownType    = errors.New("unknown action type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Executor performs the external side effect for one action.
type Executor func(ctx context.Context, payload json.RawMessage) (result json.RawMessage, err error)

// Spec ties an action type to its target platform, payload validation, and
// executor.
type Spec struct {
	Type     string
	Platform string
	Validate func(payload json.RawMessage) error
	Execute  Executor
}

type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

func NewRegistry() *Registry {
	return &Registry{specs: map[string]Spec{}}
}

func (r *Registry) Register(spec Spec) error {
	if spec.Type == "" {
		return errors.New("spec type required")
	}
	if spec.Execute == nil {
		return fmt.Errorf("spec %s has no executor", spec.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Type]; exists {
		return fmt.Errorf("spec %s already registered", spec.Type)
	}
	r.specs[spec.Type] = spec
	return nil
}

func (r *Registry) Lookup(actionType string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[actionType]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownType, actionType)
	}
	return spec, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.specs))
	for t := range r.specs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CheckPayload runs the spec's validation, wrapping failures in
// ErrInvalidPayload so callers can reject before anything is persisted.
func (r *Registry) CheckPayload(actionType string, payload json.RawMessage) error {
	spec, err := r.Lookup(actionType)
	if err != nil {
		return err
	}
	if spec.Validate == nil {
		return nil
	}
	if err := spec.Validate(payload); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, err.Error())
	}
	return nil
}

// KindError is an execution failure with a declared taxonomy kind.
type KindError struct {
	ErrKind string
	Message string
	Wrapped error
}

func (e *KindError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	return e.Message
}

func (e *KindError) Kind() string { return e.ErrKind }

func (e *KindError) Unwrap() error { return e.Wrapped }

// ValidationError marks a payload the target rejected as malformed.
func ValidationError(msg string, wrapped error) error {
	return &KindError{ErrKind: domain.ErrKindValidation, Message: msg, Wrapped: wrapped}
}

// AuthorizationError marks a credential or permission failure.
func AuthorizationError(msg string, wrapped error) error {
	return &KindError{ErrKind: domain.ErrKindAuthorization, Message: msg, Wrapped: wrapped}
}

// TransientError marks a failure the target may recover from.
func TransientError(msg string, wrapped error) error {
	return &KindError{ErrKind: domain.ErrKindTransient, Message: msg, Wrapped: wrapped}
}

// ResourceGoneError marks a target that no longer exists.
func ResourceGoneError(msg string, wrapped error) error {
	return &KindError{ErrKind: domain.ErrKindResourceGone, Message: msg, Wrapped: wrapped}
}

// InternalError marks an unexpected fault in the executor itself.
func InternalError(msg string, wrapped error) error {
	return &KindError{ErrKind: domain.ErrKindInternal, Message: msg, Wrapped: wrapped}
}
