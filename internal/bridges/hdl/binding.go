package hdl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-hdl/internal/hdlbus"
)

// Binding identifies one dimmer channel on the bus.
type Binding struct {
	Address hdlbus.Address
	Channel int
}

// ParseBinding parses the "subnet.device:channel" form, e.g. "1.2:3".
//
// Returns:
//   - Binding: Parsed binding
//   - error: ErrInvalidBinding if the address or channel is malformed
//     or the channel is outside 0-15
func ParseBinding(s string) (Binding, error) {
	addrStr, chStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Binding{}, fmt.Errorf("%w: expected subnet.device:channel, got %q", ErrInvalidBinding, s)
	}

	addr, err := hdlbus.ParseAddress(addrStr)
	if err != nil {
		return Binding{}, fmt.Errorf("%w: %w", ErrInvalidBinding, err)
	}

	ch, err := strconv.Atoi(chStr)
	if err != nil || ch < 0 || ch >= hdlbus.DimmerChannels {
		return Binding{}, fmt.Errorf("%w: channel must be 0-%d, got %q", ErrInvalidBinding, hdlbus.DimmerChannels-1, chStr)
	}

	return Binding{Address: addr, Channel: ch}, nil
}

// String returns the "subnet.device:channel" form.
func (b Binding) String() string {
	return fmt.Sprintf("%s:%d", b.Address, b.Channel)
}

// Bindings indexes item names against bus channels in both directions.
// It is built once from configuration and read-only afterwards.
type Bindings struct {
	byItem    map[string]Binding
	byChannel map[Binding]string
}

// NewBindings builds the index from item → binding string pairs.
//
// Returns:
//   - *Bindings: The index
//   - error: ErrInvalidBinding or ErrDuplicateBinding for the first bad entry
func NewBindings(items map[string]string) (*Bindings, error) {
	b := &Bindings{
		byItem:    make(map[string]Binding, len(items)),
		byChannel: make(map[Binding]string, len(items)),
	}

	// Sorted for deterministic error reporting.
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		binding, err := ParseBinding(items[name])
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", name, err)
		}
		if other, taken := b.byChannel[binding]; taken {
			return nil, fmt.Errorf("%w: items %q and %q both bind %s", ErrDuplicateBinding, other, name, binding)
		}
		b.byItem[name] = binding
		b.byChannel[binding] = name
	}

	return b, nil
}

// Lookup returns the binding for an item.
func (b *Bindings) Lookup(item string) (Binding, bool) {
	binding, ok := b.byItem[item]
	return binding, ok
}

// ItemFor returns the item bound to a channel.
func (b *Bindings) ItemFor(addr hdlbus.Address, channel int) (string, bool) {
	item, ok := b.byChannel[Binding{Address: addr, Channel: channel}]
	return item, ok
}

// Addresses returns each distinct bus address referenced, ascending.
func (b *Bindings) Addresses() []hdlbus.Address {
	seen := make(map[hdlbus.Address]struct{})
	for binding := range b.byChannel {
		seen[binding.Address] = struct{}{}
	}

	addrs := make([]hdlbus.Address, 0, len(seen))
	for a := range seen {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Len returns the number of bound items.
func (b *Bindings) Len() int {
	return len(b.byItem)
}
