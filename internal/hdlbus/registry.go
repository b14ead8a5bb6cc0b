package hdlbus

import (
	"slices"
	"sync"
)

// Registry maps bus addresses to devices.
//
// Entries are never replaced or removed: the first device added for an
// address owns it for the registry's lifetime.
type Registry struct {
	mu      sync.RWMutex
	devices map[Address]Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[Address]Device)}
}

// AddDevice registers d under its address.
// Returns false, leaving the registry unchanged, if the address is taken.
func (r *Registry) AddDevice(d Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[d.Address()]; exists {
		return false
	}
	r.devices[d.Address()] = d
	return true
}

// GetDevice returns the device registered at addr.
func (r *Registry) GetDevice(addr Address) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[addr]
	return d, ok
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Addresses returns all registered addresses in ascending order.
func (r *Registry) Addresses() []Address {
	r.mu.RLock()
	addrs := make([]Address, 0, len(r.devices))
	for a := range r.devices {
		addrs = append(addrs, a)
	}
	r.mu.RUnlock()

	slices.Sort(addrs)
	return addrs
}
