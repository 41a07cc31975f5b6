package orchestrator

import (
	"sync"

	"github.com/parley-ai/conversation-gateway/internal/upstream"
	"github.com/parley-ai/conversation-gateway/pkg/logger"
)

// Registry hands out one orchestrator per end user. Session state is
// isolated per user; the transport client and app parameters are shared.
type Registry struct {
	client   *upstream.Client
	archiver TurnArchiver
	params   upstream.AppParameters
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Orchestrator
}

// NewRegistry creates a registry. archiver may be nil.
func NewRegistry(client *upstream.Client, archiver TurnArchiver, params upstream.AppParameters, log *logger.Logger) *Registry {
	return &Registry{
		client:   client,
		archiver: archiver,
		params:   params,
		logger:   log,
		sessions: make(map[string]*Orchestrator),
	}
}

// ForUser returns the user's orchestrator, creating it on first use.
func (r *Registry) ForUser(user string) *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.sessions[user]
	if !ok {
		o = New(r.client, r.archiver, r.params, user, r.logger)
		r.sessions[user] = o
	}
	return o
}

// Params returns the shared app parameters.
func (r *Registry) Params() upstream.AppParameters {
	return r.params
}
