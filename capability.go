package scout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/pipz"
	"golang.org/x/time/rate"
)

// Capability is a bounded external research action the oracle may invoke.
// Implementations are pure request/response and must be safe for concurrent
// use across sessions.
type Capability interface {
	Name() string
	Description() string
	Parameters() []Parameter
	Invoke(ctx context.Context, args Args) (Output, error)
}

// ParamType is the JSON type of a capability parameter.
type ParamType string

// Parameter types.
const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

func (t ParamType) accepts(v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeInteger:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

// Parameter declares one input of a capability.
type Parameter struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
}

// Output is the result of a capability call. Content is what the oracle sees;
// Data is the structured payload kept in the transcript.
type Output struct {
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

// Registry holds the capabilities available to sessions along with their
// shared rate limiters. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	order        []string
	limiters     map[string]*rate.Limiter
}

// NewRegistry creates a registry with the given capabilities. It panics on a
// duplicate or reserved name, matching the behavior of registering at init.
func NewRegistry(capabilities ...Capability) *Registry {
	r := &Registry{
		capabilities: make(map[string]Capability),
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, c := range capabilities {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a capability.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return errors.New("register nil capability")
	}
	name := c.Name()
	if name == "" {
		return errors.New("capability name is empty")
	}
	if strings.EqualFold(name, FinalizeAction) {
		return fmt.Errorf("capability name %q is reserved", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capabilities[name]; exists {
		return fmt.Errorf("capability %q already registered", name)
	}
	r.capabilities[name] = c
	r.order = append(r.order, name)
	return nil
}

// SetRateLimit installs a shared limiter for one capability. Every session
// dispatching through this registry waits on the same limiter.
func (r *Registry) SetRateLimit(name string, limit rate.Limit, burst int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.capabilities[name]; !ok {
		return fmt.Errorf("capability %q not registered", name)
	}
	r.limiters[name] = rate.NewLimiter(limit, burst)
	return nil
}

// Lookup returns a registered capability by name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[name]
	return c, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) limiter(name string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}

// invocation is the value threaded through the dispatch pipeline. Stages
// return a new invocation instead of writing to their input, so a call
// abandoned at the deadline shares nothing mutable with the caller.
type invocation struct {
	call       CapabilityCall
	capability Capability
	output     Output
}

func (inv *invocation) fail(kind CapabilityErrorKind, err error) (*invocation, error) {
	return inv, &CapabilityError{Kind: kind, Capability: inv.call.Name, Err: err}
}

// Dispatcher executes capability calls under a per-call deadline. It never
// reads or writes session state.
//
// The pipeline is validate → throttle → invoke inside a pipz timeout. A
// capability that ignores its context is abandoned at the deadline and its
// result is discarded.
type Dispatcher struct {
	identity pipz.Identity
	registry *Registry
	timeout  *pipz.Timeout[*invocation]
}

// NewDispatcher creates a dispatcher over the registry with DefaultCapabilityTimeout.
func NewDispatcher(registry *Registry) *Dispatcher {
	d := &Dispatcher{
		identity: pipz.NewIdentity("dispatch", "Capability dispatcher"),
		registry: registry,
	}

	var validate pipz.Chainable[*invocation] = pipz.Apply(
		pipz.NewIdentity("validate", "Resolve capability and check arguments"),
		d.validate,
	)
	var throttle pipz.Chainable[*invocation] = pipz.Apply(
		pipz.NewIdentity("throttle", "Wait on the shared capability limiter"),
		d.throttle,
	)
	var invoke pipz.Chainable[*invocation] = pipz.Apply(
		pipz.NewIdentity("invoke", "Run the capability"),
		d.invoke,
	)
	var sequence pipz.Chainable[*invocation] = pipz.NewSequence(d.identity, validate, throttle, invoke)
	d.timeout = pipz.NewTimeout(
		pipz.NewIdentity("dispatch-timeout", "Bound one capability call"),
		sequence,
		DefaultCapabilityTimeout,
	)
	return d
}

// WithTimeout sets the per-call deadline.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout.SetDuration(timeout)
	}
	return d
}

// Invoke runs one call. The returned error is nil on success.
func (d *Dispatcher) Invoke(ctx context.Context, call CapabilityCall) (Output, *CapabilityError) {
	inv, err := d.timeout.Process(ctx, &invocation{call: call})
	if err != nil {
		return Output{}, classify(call.Name, err)
	}
	return inv.output, nil
}

func (d *Dispatcher) validate(_ context.Context, inv *invocation) (*invocation, error) {
	c, ok := d.registry.Lookup(inv.call.Name)
	if !ok {
		return inv.fail(CapabilityInvalidArgs, fmt.Errorf("unknown capability %q", inv.call.Name))
	}
	if err := checkArgs(c.Parameters(), inv.call.Args); err != nil {
		return inv.fail(CapabilityInvalidArgs, err)
	}
	return &invocation{call: inv.call, capability: c}, nil
}

func (d *Dispatcher) throttle(ctx context.Context, inv *invocation) (*invocation, error) {
	limiter := d.registry.limiter(inv.call.Name)
	if limiter == nil {
		return inv, nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return inv.fail(deadlineKind(ctx), fmt.Errorf("rate limit wait: %w", err))
	}
	return inv, nil
}

func (d *Dispatcher) invoke(ctx context.Context, inv *invocation) (*invocation, error) {
	out, err := inv.capability.Invoke(ctx, inv.call.Args)
	if err != nil {
		return inv, err
	}
	return &invocation{call: inv.call, capability: inv.capability, output: out}, nil
}

// classify maps a pipeline failure to a capability error kind. Errors the
// capability already classified keep their kind.
func classify(name string, err error) *CapabilityError {
	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return &CapabilityError{Kind: capErr.Kind, Capability: name, Err: capErr.Err}
	}
	var pipeErr *pipz.Error[*invocation]
	if errors.As(err, &pipeErr) && pipeErr.IsCanceled() {
		return &CapabilityError{Kind: CapabilityUpstream, Capability: name, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CapabilityError{Kind: CapabilityTimeout, Capability: name, Err: err}
	}
	return &CapabilityError{Kind: CapabilityUpstream, Capability: name, Err: err}
}

// deadlineKind classifies a context failure. A limiter refusing to wait past
// the deadline reports before the context expires, so only explicit
// cancellation counts as upstream.
func deadlineKind(ctx context.Context) CapabilityErrorKind {
	if errors.Is(ctx.Err(), context.Canceled) {
		return CapabilityUpstream
	}
	return CapabilityTimeout
}
