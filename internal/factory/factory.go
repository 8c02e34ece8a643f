// Package factory maps broker settings to pool constructors so the service
// never needs to know which broker kinds exist.
package factory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/procpool/internal/broker"
	"github.com/mattjoyce/procpool/internal/pool"
)

// Constructor builds a pool for one top-level group on setting s.
type Constructor func(s broker.Setting, g pool.Group, opts pool.Options) (*pool.Pool, error)

// UnregisteredSettingError is returned by Create for a setting kind with no
// constructor.
type UnregisteredSettingError struct {
	Kind string
}

func (e *UnregisteredSettingError) Error() string {
	return fmt.Sprintf("no pool constructor registered for broker kind %q", e.Kind)
}

// Factory is a registry of pool constructors keyed by Setting.Kind.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// New returns an empty factory.
func New() *Factory {
	return &Factory{ctors: make(map[string]Constructor)}
}

// Register binds kind to c, replacing any earlier registration.
func (f *Factory) Register(kind string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[kind] = c
}

// RegisterGeneric registers a constructor for settings of concrete type S.
// open builds the connector from the typed setting; Create hands it a
// runtime broker.Setting and the assertion back to S happens here.
func RegisterGeneric[S broker.Setting](f *Factory, kind string, open func(S, *slog.Logger) (broker.Connector, error)) {
	f.Register(kind, func(s broker.Setting, g pool.Group, opts pool.Options) (*pool.Pool, error) {
		typed, ok := s.(S)
		if !ok {
			return nil, fmt.Errorf("broker kind %q: unexpected setting type %T", kind, s)
		}
		return build(typed, g, opts, open)
	})
}

func build[S broker.Setting](s S, g pool.Group, opts pool.Options, open func(S, *slog.Logger) (broker.Connector, error)) (*pool.Pool, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := open(s, logger.With("broker", s.Kind()))
	if err != nil {
		return nil, fmt.Errorf("open %s connector: %w", s.Kind(), err)
	}
	return pool.New(g, conn, opts), nil
}

// Create builds a pool for g on s.
func (f *Factory) Create(s broker.Setting, g pool.Group, opts pool.Options) (*pool.Pool, error) {
	if s == nil {
		return nil, &UnregisteredSettingError{Kind: "<nil>"}
	}
	f.mu.RLock()
	c, ok := f.ctors[s.Kind()]
	f.mu.RUnlock()
	if !ok {
		return nil, &UnregisteredSettingError{Kind: s.Kind()}
	}
	return c(s, g, opts)
}

// Kinds lists the registered setting kinds.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.ctors))
	for k := range f.ctors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Default returns a factory with every built-in broker registered.
func Default() *Factory {
	f := New()
	RegisterGeneric(f, broker.KindMemory, func(s broker.MemorySetting, _ *slog.Logger) (broker.Connector, error) {
		return broker.NewMemoryConnector(s), nil
	})
	RegisterGeneric(f, broker.KindAMQP, func(s broker.AMQPSetting, logger *slog.Logger) (broker.Connector, error) {
		return broker.NewAMQPConnector(s, logger), nil
	})
	RegisterGeneric(f, broker.KindRedis, func(s broker.RedisSetting, logger *slog.Logger) (broker.Connector, error) {
		return broker.NewRedisConnector(s, logger), nil
	})
	// Kafka settings are generic over the key type; the setting instance
	// knows its own type parameter and builds the matching connector.
	RegisterGeneric(f, broker.KindKafka, func(s broker.KeyedSetting, logger *slog.Logger) (broker.Connector, error) {
		return s.OpenKeyed(logger)
	})
	return f
}
