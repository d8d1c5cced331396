package relay

import (
	"sync"

	"github.com/unblink/unblink/pkg/protocol"
)

// ServiceRegistry tracks the services each connected node has announced.
// An announce replaces the node's whole set; disconnect clears it.
type ServiceRegistry struct {
	mu       sync.RWMutex
	byNode   map[string][]protocol.Service
	onUpdate func(nodeID string, services []protocol.Service)
}

// NewServiceRegistry creates an empty registry. onUpdate, if set, fires
// after every replace (with the new set) and clear (with nil).
func NewServiceRegistry(onUpdate func(nodeID string, services []protocol.Service)) *ServiceRegistry {
	return &ServiceRegistry{
		byNode:   make(map[string][]protocol.Service),
		onUpdate: onUpdate,
	}
}

// Replace swaps the announced set for a node.
func (r *ServiceRegistry) Replace(nodeID string, services []protocol.Service) {
	cp := make([]protocol.Service, len(services))
	copy(cp, services)

	r.mu.Lock()
	r.byNode[nodeID] = cp
	r.mu.Unlock()

	if r.onUpdate != nil {
		r.onUpdate(nodeID, cp)
	}
}

// Clear removes all services for a node.
func (r *ServiceRegistry) Clear(nodeID string) {
	r.mu.Lock()
	_, had := r.byNode[nodeID]
	delete(r.byNode, nodeID)
	r.mu.Unlock()

	if had && r.onUpdate != nil {
		r.onUpdate(nodeID, nil)
	}
}

// ForNode returns a node's announced services.
func (r *ServiceRegistry) ForNode(nodeID string) []protocol.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	services := r.byNode[nodeID]
	cp := make([]protocol.Service, len(services))
	copy(cp, services)
	return cp
}

// Find returns one service of a node by service id.
func (r *ServiceRegistry) Find(nodeID, serviceID string) (protocol.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, svc := range r.byNode[nodeID] {
		if svc.ID == serviceID {
			return svc, true
		}
	}
	return protocol.Service{}, false
}

// List returns every announced service across all nodes.
func (r *ServiceRegistry) List() []protocol.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []protocol.Service
	for _, services := range r.byNode {
		all = append(all, services...)
	}
	return all
}
