package storekit

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Builder validates the configuration of one backend and builds its
// accessor. Building twice from the same configuration yields two
// independent accessors.
type Builder interface {
	Scheme() Scheme
	Build() (Accessor, error)
}

// BuilderFactory decodes an option map into a Builder. It must reject
// unknown options.
type BuilderFactory func(options map[string]string) (Builder, error)

var (
	builderFactories = make(map[Scheme]BuilderFactory)
	factoryMutex     sync.RWMutex
)

// RegisterBuilder registers the builder factory for a scheme. Drivers call
// it from init.
func RegisterBuilder(scheme Scheme, factory BuilderFactory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	builderFactories[scheme] = factory
}

// Schemes lists the registered schemes.
func Schemes() []Scheme {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()
	out := make([]Scheme, 0, len(builderFactories))
	for s := range builderFactories {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewBuilder decodes options into the builder registered for scheme.
func NewBuilder(scheme Scheme, options map[string]string) (Builder, error) {
	factoryMutex.RLock()
	factory, exists := builderFactories[scheme]
	factoryMutex.RUnlock()

	if !exists {
		return nil, &Error{Kind: KindUnsupported, Op: "build", Scheme: scheme, Err: fmt.Errorf("scheme %s not registered", scheme)}
	}
	return factory(options)
}

// BuildAccessor builds the accessor for scheme from options.
func BuildAccessor(scheme Scheme, options map[string]string) (Accessor, error) {
	b, err := NewBuilder(scheme, options)
	if err != nil {
		return nil, err
	}
	acc, err := b.Build()
	if err != nil {
		return nil, wrapError(err, "build", "", scheme)
	}
	return acc, nil
}

// Open builds the accessor for scheme and returns an Operator over it with
// the given layers applied in order.
func Open(scheme Scheme, options map[string]string, layers ...Layer) (*Operator, error) {
	acc, err := BuildAccessor(scheme, options)
	if err != nil {
		return nil, err
	}
	return NewOperator(acc, layers), nil
}

// BuildLogger returns logger, or slog.Default when nil, tagged with the
// scheme. Builders use it to report the resolved root.
func BuildLogger(logger *slog.Logger, scheme Scheme) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("scheme", scheme)
}
