// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns exactly one WebSocket connection to the message server at a time
//   - Reconnects after unexpected closes with capped linear backoff
//   - Detects silently dead sockets with an application-level ping/pong heartbeat
//   - Fans every inbound frame out to all registered subscribers
//   - Reports connectivity through lifecycle callbacks (open, reconnecting, lost, restored)
//
// Transports are pluggable through Dialer: gorilla/websocket is the default,
// coder/websocket is available through NewCoderDialer.
package connection
