package hdlbus

import "sync"

// Device is anything on the bus that can be registered and receive packets.
//
// ProcessPacket is called on the receive goroutine for every decoded packet
// whose source address equals Address. It must not block.
type Device interface {
	Address() Address
	ProcessPacket(p *Packet)
}

// GenericDevice holds an address and an ordered observer list.
//
// Observers are kept in registration order. Adding the same observer twice
// registers it twice. The zero value is not usable; use NewGenericDevice.
type GenericDevice[O comparable] struct {
	address Address

	mu        sync.Mutex
	observers []O
}

// Ensure GenericDevice implements Device.
var _ Device = (*GenericDevice[DimmerObserver])(nil)

// NewGenericDevice creates a device with no observers.
func NewGenericDevice[O comparable](address Address) *GenericDevice[O] {
	return &GenericDevice[O]{address: address}
}

// Address returns the device's bus address.
func (d *GenericDevice[O]) Address() Address {
	return d.address
}

// ProcessPacket ignores all packets. Device kinds that understand commands
// embed GenericDevice and override this.
func (d *GenericDevice[O]) ProcessPacket(*Packet) {}

// AddListener appends an observer.
func (d *GenericDevice[O]) AddListener(o O) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// RemoveListener removes the first registration of o and reports whether one
// was found.
func (d *GenericDevice[O]) RemoveListener(o O) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, existing := range d.observers {
		if existing == o {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns the number of registrations.
func (d *GenericDevice[O]) Listeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

// notify calls fn for each observer in registration order while holding the
// observer lock. Observers must not add or remove listeners from fn.
func (d *GenericDevice[O]) notify(fn func(O)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, o := range d.observers {
		fn(o)
	}
}
