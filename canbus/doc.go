// Package canbus is the link layer under the CANduit protocol: classical CAN
// frames and the context-aware Bus they travel on.
//
// A Bus is usually a Linux SocketCAN socket (DialSocketCAN) or, in tests and
// simulations, an endpoint of an in-memory LoopbackBus. Buses compose:
// NewLoggedBus reports traffic through log/slog and NewCaptureBus records it
// to a CBOR stream that ReadCapture plays back. A Mux is the single reader of
// a Bus and hands frames to filtered subscriptions.
package canbus
