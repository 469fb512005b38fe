package pmc

// InterruptEvent is the semantic meaning of one set ISR bit (spec §4.2).
type InterruptEvent int

const (
	// EventPowerSocket2Changed corresponds to ISR bit 1.
	EventPowerSocket2Changed InterruptEvent = iota
	// EventPowerSocket1Changed corresponds to ISR bit 2.
	EventPowerSocket1Changed
	// EventUSBCopyButton corresponds to ISR bit 3.
	EventUSBCopyButton
	// EventDrivePresenceChanged corresponds to ISR bit 4.
	EventDrivePresenceChanged
	// EventLCDUpButton corresponds to ISR bit 5.
	EventLCDUpButton
	// EventLCDDownButton corresponds to ISR bit 6.
	EventLCDDownButton
	// EventEchoAck corresponds to ISR bit 7; consumed internally by Engine
	// to complete pending Echo calls and never forwarded to subscribers.
	EventEchoAck
)

// isrBitOrder lists the bits this daemon understands, in ascending order —
// spec §4.2 requires events to be emitted in ascending bit order when
// multiple bits are set in one ISR read. Bit 0 is reserved and ignored.
var isrBitOrder = []struct {
	bit   uint8
	event InterruptEvent
}{
	{1, EventPowerSocket2Changed},
	{2, EventPowerSocket1Changed},
	{3, EventUSBCopyButton},
	{4, EventDrivePresenceChanged},
	{5, EventLCDUpButton},
	{6, EventLCDDownButton},
	{7, EventEchoAck},
}

// DecodeISR returns the set of semantic events latched in an ISR byte, in
// ascending bit order.
func DecodeISR(isr byte) []InterruptEvent {
	var events []InterruptEvent
	for _, e := range isrBitOrder {
		if isr&(1<<e.bit) != 0 {
			events = append(events, e.event)
		}
	}
	return events
}

// Interrupt is what Engine delivers to a subscriber: the semantic event
// plus the raw ISR byte it was decoded from, so routers that need more than
// one bit's worth of context (e.g. diffing DP0) can re-derive it.
type Interrupt struct {
	Event InterruptEvent
	ISR   byte
}
