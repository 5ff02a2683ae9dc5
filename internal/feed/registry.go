package feed

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// Stopper is anything the registry can shut down
type Stopper interface {
	Stop()
}

// Registry tracks live clients so they can all be stopped on exit
type Registry struct {
	mu            sync.Mutex
	members       map[Stopper]struct{}
	hookInstalled bool
	logger        *zap.Logger
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry, creating it on first use
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
	})
	return defaultRegistry
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		members: make(map[Stopper]struct{}),
		logger:  logger,
	}
}

// SetLogger replaces the registry logger
func (r *Registry) SetLogger(logger *zap.Logger) {
	if logger == nil {
		return
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

func (r *Registry) Register(s Stopper) {
	r.mu.Lock()
	r.members[s] = struct{}{}
	r.mu.Unlock()
}

// Unregister is a no-op for unknown members
func (r *Registry) Unregister(s Stopper) {
	r.mu.Lock()
	delete(r.members, s)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// StopAll stops and forgets every member. A member that panics does not
// keep the others from stopping.
func (r *Registry) StopAll() {
	r.mu.Lock()
	members := make([]Stopper, 0, len(r.members))
	for s := range r.members {
		members = append(members, s)
	}
	r.members = make(map[Stopper]struct{})
	logger := r.logger
	r.mu.Unlock()

	for _, s := range members {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Stopping feed client panicked", zap.Any("panic", rec))
				}
			}()
			s.Stop()
		}()
	}
	if len(members) > 0 {
		logger.Info("Stopped feed clients", zap.Int("count", len(members)))
	}
}

// InstallExitHook stops every member on SIGINT or SIGTERM and then re-raises
// the signal. Only the first call installs anything; it reports whether it did.
func (r *Registry) InstallExitHook() bool {
	r.mu.Lock()
	if r.hookInstalled {
		r.mu.Unlock()
		return false
	}
	r.hookInstalled = true
	r.mu.Unlock()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		signal.Stop(sigs)

		r.mu.Lock()
		logger := r.logger
		r.mu.Unlock()
		logger.Info("Stopping feed clients on signal", zap.String("signal", sig.String()))

		r.StopAll()

		if p, err := os.FindProcess(os.Getpid()); err == nil {
			_ = p.Signal(sig)
		}
	}()
	return true
}
