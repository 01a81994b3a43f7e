package processor

import (
	"fmt"
	"time"

	"mingle/internal/broker"
	"mingle/internal/config"
	"mingle/internal/constants"
	"mingle/internal/logger"
	apperrors "mingle/pkg/errors"
)

// Registration binds a processor name to the queue it consumes and its handler.
type Registration struct {
	Name    string
	Queue   string
	Handler Handler
}

// Registry is the static table of processors a worker runs. It is filled
// once at startup.
type Registry struct {
	entries map[string]Registration
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

func (r *Registry) Register(name, queue string, handler Handler) error {
	if _, exists := r.entries[name]; exists {
		return apperrors.ErrConflict.WithMessage(fmt.Sprintf("processor %q is already registered", name))
	}
	if handler == nil {
		return apperrors.ErrValidation.WithMessage(fmt.Sprintf("processor %q has no handler", name))
	}
	r.entries[name] = Registration{Name: name, Queue: queue, Handler: handler}
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Lookup(name string) (Registration, bool) {
	reg, ok := r.entries[name]
	return reg, ok
}

// Names lists registered processors in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Binding is a processor together with how the scheduler runs it.
type Binding struct {
	Processor    *Processor
	Instances    int
	PollInterval time.Duration
}

// Build creates a Processor for every registered entry that is not
// disabled in cfg. Entries without a config section run with defaults.
// Config sections naming unknown processors are rejected.
func (r *Registry) Build(cfg *config.Config, gw broker.Gateway, log logger.Logger, opts ...Option) ([]Binding, error) {
	for _, pc := range cfg.Processors {
		if _, ok := r.entries[pc.Name]; !ok {
			return nil, fmt.Errorf("processor %q is configured but not registered", pc.Name)
		}
	}

	bindings := make([]Binding, 0, len(r.order))
	for _, name := range r.order {
		reg := r.entries[name]
		pc, _ := cfg.Processor(name)
		if !pc.IsEnabled() {
			log.Infow("Processor disabled by configuration", "processor", name)
			continue
		}

		p, err := New(Config{
			Name:            reg.Name,
			Queue:           reg.Queue,
			BatchSize:       pc.BatchSize,
			MaxDeliveries:   pc.MaxDeliveries,
			Redelivery:      pc.Redelivery.Policy(),
			DeadLetterQueue: pc.DeadLetterQueue,
			HandlerTimeout:  pc.HandlerTimeout,
		}, gw, reg.Handler, log, opts...)
		if err != nil {
			return nil, fmt.Errorf("processor %q: %w", name, err)
		}

		b := Binding{Processor: p, Instances: pc.Instances, PollInterval: pc.PollInterval}
		if b.Instances <= 0 {
			b.Instances = constants.DefaultInstances
		}
		if b.PollInterval <= 0 {
			b.PollInterval = constants.DefaultPollInterval
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}
