// Package hub is a small message server speaking the same protocol as the
// Connection Manager: clients connect with token and deviceId query
// parameters, heartbeat with ping/pong frames, and exchange typing and
// presence frames.
//
// Connections are indexed client ID → device ID → peers, so one client can
// hold several devices and one device several sockets.
package hub
