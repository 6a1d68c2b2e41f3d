package hub

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// DeviceInfo summarizes one device's sockets.
type DeviceInfo struct {
	DeviceID    string
	Connections int
}

// Registry indexes live peers by client and device.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[string][]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		clients: make(map[string]map[string][]*Peer),
	}
}

// Add registers p.
func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	devices, ok := r.clients[p.ClientID]
	if !ok {
		devices = make(map[string][]*Peer)
		r.clients[p.ClientID] = devices
	}
	devices[p.DeviceID] = append(devices[p.DeviceID], p)
	r.mu.Unlock()

	r.logger.Info("added client",
		"client_id", p.ClientID,
		"device_id", p.DeviceID,
		"total", r.Total(),
	)
}

// Remove unregisters p, pruning empty devices and clients.
func (r *Registry) Remove(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices, ok := r.clients[p.ClientID]
	if !ok {
		return
	}
	peers := devices[p.DeviceID]
	for i, q := range peers {
		if q == p {
			peers = append(peers[:i:i], peers[i+1:]...)
			break
		}
	}

	if len(peers) == 0 {
		delete(devices, p.DeviceID)
	} else {
		devices[p.DeviceID] = peers
	}
	if len(devices) == 0 {
		delete(r.clients, p.ClientID)
	}
}

// Notify sends v to every socket of clientID and returns how many accepted it.
func (r *Registry) Notify(clientID string, v any) int {
	data, ok := r.encode(v)
	if !ok {
		return 0
	}

	r.mu.RLock()
	var targets []*Peer
	for _, peers := range r.clients[clientID] {
		targets = append(targets, peers...)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.logger.Debug("no connections for client", "client_id", clientID)
	}
	return deliver(targets, data)
}

// NotifyDevice sends v to every socket of one device.
func (r *Registry) NotifyDevice(clientID, deviceID string, v any) int {
	data, ok := r.encode(v)
	if !ok {
		return 0
	}

	r.mu.RLock()
	targets := append([]*Peer(nil), r.clients[clientID][deviceID]...)
	r.mu.RUnlock()

	return deliver(targets, data)
}

// Broadcast sends v to every socket.
func (r *Registry) Broadcast(v any) int {
	return r.BroadcastExcept("", v)
}

// BroadcastExcept sends v to every socket not belonging to clientID.
func (r *Registry) BroadcastExcept(clientID string, v any) int {
	data, ok := r.encode(v)
	if !ok {
		return 0
	}

	r.mu.RLock()
	var targets []*Peer
	for id, devices := range r.clients {
		if id == clientID {
			continue
		}
		for _, peers := range devices {
			targets = append(targets, peers...)
		}
	}
	r.mu.RUnlock()

	sent := deliver(targets, data)
	r.logger.Debug("broadcast", "sent", sent, "total", len(targets))
	return sent
}

// Total returns the number of live sockets.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, devices := range r.clients {
		for _, peers := range devices {
			n += len(peers)
		}
	}
	return n
}

// Devices returns the devices connected for clientID, ordered by device ID.
func (r *Registry) Devices(clientID string) []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []DeviceInfo
	for id, peers := range r.clients[clientID] {
		out = append(out, DeviceInfo{DeviceID: id, Connections: len(peers)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// peers returns a snapshot of every live peer.
func (r *Registry) peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Peer
	for _, devices := range r.clients {
		for _, peers := range devices {
			out = append(out, peers...)
		}
	}
	return out
}

func (r *Registry) encode(v any) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("failed to marshal notification", "error", err)
		return nil, false
	}
	return data, true
}

func deliver(targets []*Peer, data []byte) int {
	sent := 0
	for _, p := range targets {
		if p.Send(data) {
			sent++
		}
	}
	return sent
}
