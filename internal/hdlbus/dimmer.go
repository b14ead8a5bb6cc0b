package hdlbus

import "sync"

// DimmerChannels is the number of outputs addressable on one dimmer.
const DimmerChannels = 16

// setStateAckMarker is the fixed second byte of a set-state response.
const setStateAckMarker = 0xF8

// setStateResponseMinLen is channel + marker + level.
const setStateResponseMinLen = 3

// DimmerObserver receives dimmer channel updates.
//
// Level is the raw value reported by the device, 0-100 for real hardware.
type DimmerObserver interface {
	OnDimmerStateChanged(d *Dimmer, channel, level int)
}

// Sender issues packets with retries. *Server implements it.
type Sender interface {
	SendWithRetry(p Packet) (*RetryHandle, error)
}

// Ensure Server implements Sender.
var _ Sender = (*Server)(nil)

// Dimmer is a multi-channel dimmer module.
//
// Each channel has at most one pending RetryHandle. A new SetChannel on a
// channel cancels its pending handle before sending. A set-state response
// for channels 1-15 cancels that channel's handle; a response for channel 0
// is reported to observers but leaves any pending handle to run out.
type Dimmer struct {
	*GenericDevice[DimmerObserver]

	sender Sender

	mu      sync.Mutex
	retries [DimmerChannels]*RetryHandle
}

// Ensure Dimmer implements Device.
var _ Device = (*Dimmer)(nil)

// NewDimmer creates a dimmer that sends through sender.
func NewDimmer(address Address, sender Sender) *Dimmer {
	return &Dimmer{
		GenericDevice: NewGenericDevice[DimmerObserver](address),
		sender:        sender,
	}
}

// SetChannel sends a set-state command for one channel.
//
// Channels outside 0-15 are ignored: nothing is sent and nil is returned.
// The channel's previous retry handle is replaced only once the new command
// has been sent.
//
// Returns:
//   - error: ErrNotStarted or ErrSendFailed from the initial send
func (d *Dimmer) SetChannel(channel int, level uint8) error {
	if channel < 0 || channel >= DimmerChannels {
		return nil
	}

	p := Packet{
		Target:  d.Address(),
		Command: CmdDimmerSetState,
		Data:    []byte{byte(channel), level, 0, 0},
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// A failed send leaves the previous command's retries running.
	handle, err := d.sender.SendWithRetry(p)
	if err != nil {
		return err
	}
	if prev := d.retries[channel]; prev != nil {
		prev.Cancel()
	}
	d.retries[channel] = handle

	return nil
}

// PendingRetry returns the live retry handle for a channel, or nil.
func (d *Dimmer) PendingRetry(channel int) *RetryHandle {
	if channel < 0 || channel >= DimmerChannels {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.retries[channel]
	if h == nil || h.Cancelled() {
		return nil
	}
	return h
}

// ProcessPacket handles packets sent by this dimmer.
func (d *Dimmer) ProcessPacket(p *Packet) {
	switch p.Command {
	case CmdDimmerSetStateResponse:
		d.handleSetStateResponse(p.Data)
	case CmdDimmerState:
		// Status pushes are recognised but carry nothing we track yet.
	default:
	}
}

func (d *Dimmer) handleSetStateResponse(data []byte) {
	if len(data) < setStateResponseMinLen || data[1] != setStateAckMarker {
		return
	}

	channel := int(data[0])
	level := int(data[2])

	if channel > 0 && channel < DimmerChannels {
		d.mu.Lock()
		if h := d.retries[channel]; h != nil {
			h.Cancel()
			d.retries[channel] = nil
		}
		d.mu.Unlock()
	}

	d.notify(func(o DimmerObserver) {
		o.OnDimmerStateChanged(d, channel, level)
	})
}
