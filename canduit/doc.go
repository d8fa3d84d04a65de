// Package canduit drives the CANduit GPIO peripheral over a shared CAN link.
//
// A Device owns the link to one peripheral and hands out typed channels, one
// per pin: DigitalInput, DigitalOutput and PWMInput. Each pin has exactly one
// owner at a time; creating a channel claims the pin and sets its mode on the
// peripheral, closing it resets the pin to inactive and frees it.
//
// Values are refreshed by Device.UpdateAll, normally called from a periodic
// tick (see Ticker). Reads never fail because the bus was quiet: a missing or
// malformed frame leaves the previous value in place.
//
// The peripheral exists in two firmware revisions with different read
// layouts, selected per device with WithProtocol:
//   - ProtocolBroadcast: the peripheral broadcasts one digital status byte
//     for all pins and an 8 byte [high time, period] frame per PWM pin.
//   - ProtocolRequest: every value is fetched with a remote request.
package canduit
