package framework

import (
	"sort"
	"sync"
)

// ServiceEventType tells watchers what happened to a registration.
type ServiceEventType int

const (
	ServiceRegistered ServiceEventType = iota + 1
	ServiceUnregistered
)

// ServiceEvent is delivered to watchers.
type ServiceEvent struct {
	Type         ServiceEventType
	Registration *ServiceRegistration
}

// ServiceRegistration is one registered service object.
type ServiceRegistration struct {
	ID       int64
	Name     string
	ModuleID int64
	Service  interface{}

	registry *ServiceRegistry
}

// Unregister removes the registration. Safe to call more than once.
func (r *ServiceRegistration) Unregister() {
	r.registry.unregister(r)
}

// ServiceRegistry is a name-keyed registry of services with change notification.
type ServiceRegistry struct {
	mu       sync.Mutex
	nextID   int64
	services map[int64]*ServiceRegistration
	watchID  int
	watchers map[int]serviceWatcher
}

type serviceWatcher struct {
	name string
	fn   func(ServiceEvent)
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[int64]*ServiceRegistration),
		watchers: make(map[int]serviceWatcher),
	}
}

// Register adds svc under name on behalf of moduleID (0 for the framework itself).
func (s *ServiceRegistry) Register(name string, moduleID int64, svc interface{}) *ServiceRegistration {
	s.mu.Lock()
	s.nextID++
	reg := &ServiceRegistration{ID: s.nextID, Name: name, ModuleID: moduleID, Service: svc, registry: s}
	s.services[reg.ID] = reg
	watchers := s.watchersFor(name)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(ServiceEvent{Type: ServiceRegistered, Registration: reg})
	}
	return reg
}

func (s *ServiceRegistry) unregister(reg *ServiceRegistration) {
	s.mu.Lock()
	if _, ok := s.services[reg.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.services, reg.ID)
	watchers := s.watchersFor(reg.Name)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(ServiceEvent{Type: ServiceUnregistered, Registration: reg})
	}
}

// UnregisterModule removes every service registered by moduleID.
func (s *ServiceRegistry) UnregisterModule(moduleID int64) {
	for _, reg := range s.List() {
		if reg.ModuleID == moduleID {
			reg.Unregister()
		}
	}
}

// Get returns the oldest registration under name.
func (s *ServiceRegistry) Get(name string) (*ServiceRegistration, bool) {
	all := s.All(name)
	if len(all) == 0 {
		return nil, false
	}
	return all[0], true
}

// All returns every registration under name, oldest first.
func (s *ServiceRegistry) All(name string) []*ServiceRegistration {
	var out []*ServiceRegistration
	for _, reg := range s.List() {
		if reg.Name == name {
			out = append(out, reg)
		}
	}
	return out
}

// List returns every registration ordered by id.
func (s *ServiceRegistry) List() []*ServiceRegistration {
	s.mu.Lock()
	out := make([]*ServiceRegistration, 0, len(s.services))
	for _, reg := range s.services {
		out = append(out, reg)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch calls fn for every later registration change under name. Callbacks
// run synchronously on the goroutine that changed the registry.
func (s *ServiceRegistry) Watch(name string, fn func(ServiceEvent)) (cancel func()) {
	s.mu.Lock()
	id := s.watchID
	s.watchID++
	s.watchers[id] = serviceWatcher{name: name, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// watchersFor snapshots the watchers interested in name. Caller holds mu.
func (s *ServiceRegistry) watchersFor(name string) []func(ServiceEvent) {
	ids := make([]int, 0, len(s.watchers))
	for id, w := range s.watchers {
		if w.name == name {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	out := make([]func(ServiceEvent), len(ids))
	for i, id := range ids {
		out[i] = s.watchers[id].fn
	}
	return out
}
