// Package wifisim provides a deterministic simulated radio. The world
// is a fixed set of networks; association checks the caller's derived
// PSK against the network's own derivation, so a wrong passphrase
// fails the same way it does against real hardware. Tests and the sim
// driver poke the world through AddNetwork and SetNetworkDown.
package wifisim

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/climon-dev/climon/internal/config"
	"github.com/climon-dev/climon/internal/wifi"
)

// Network is one access point in the simulated world.
type Network struct {
	SSID       string
	Passphrase string
	RSSI       int
}

// FromConfig converts configured sim networks.
func FromConfig(nets []config.SimNetwork) []Network {
	out := make([]Network, 0, len(nets))
	for _, n := range nets {
		out = append(out, Network{SSID: n.SSID, Passphrase: n.Passphrase, RSSI: n.RSSI})
	}
	return out
}

type radioMode int

const (
	modeOff radioMode = iota
	modeStation
	modeAP
)

const defaultStationIP = "192.168.1.50"

// Radio is the simulated implementation of wifi.Radio.
type Radio struct {
	mu         sync.Mutex
	networks   map[string]Network
	down       map[string]bool
	mode       radioMode
	target     string
	psk        string
	associated bool
	stationIP  string
	events     chan wifi.RadioEvent
}

// New creates a radio that can see the given networks. The radio
// starts off.
func New(networks []Network) *Radio {
	r := &Radio{
		networks:  make(map[string]Network, len(networks)),
		down:      make(map[string]bool),
		stationIP: defaultStationIP,
		events:    make(chan wifi.RadioEvent, 32),
	}
	for _, n := range networks {
		r.networks[n.SSID] = n
	}
	return r
}

// Events returns the notification stream.
func (r *Radio) Events() <-chan wifi.RadioEvent {
	return r.events
}

// StartStation configures station mode for the given network and
// announces the radio is ready to associate.
func (r *Radio) StartStation(ssid, psk string) error {
	r.mu.Lock()
	r.mode = modeStation
	r.target = ssid
	r.psk = psk
	r.associated = false
	r.mu.Unlock()

	r.emit(wifi.RadioEvent{Kind: wifi.EventStationStarted})
	return nil
}

// Connect attempts association with the configured network. The
// outcome is emitted as an event, never returned.
func (r *Radio) Connect() error {
	r.mu.Lock()
	if r.mode != modeStation {
		r.mu.Unlock()
		return fmt.Errorf("station not started")
	}

	net, visible := r.networks[r.target]
	if !visible || r.down[r.target] {
		r.mu.Unlock()
		r.emit(wifi.RadioEvent{Kind: wifi.EventDisconnected, Reason: "no_ap_found"})
		return nil
	}
	if wifi.DerivePSK(net.SSID, net.Passphrase) != r.psk {
		r.mu.Unlock()
		r.emit(wifi.RadioEvent{Kind: wifi.EventDisconnected, Reason: "auth_failed"})
		return nil
	}

	r.associated = true
	ip := r.stationIP
	r.mu.Unlock()

	r.emit(wifi.RadioEvent{Kind: wifi.EventGotIP, IP: ip})
	return nil
}

// Disconnect drops the association. A radio that is not associated
// stays quiet, like the real one.
func (r *Radio) Disconnect() error {
	r.mu.Lock()
	wasAssociated := r.associated
	r.associated = false
	r.mu.Unlock()

	if wasAssociated {
		r.emit(wifi.RadioEvent{Kind: wifi.EventDisconnected, Reason: "disconnect_requested"})
	}
	return nil
}

// StartAP switches to access point mode. Scanning stays available.
func (r *Radio) StartAP(config.APConfig) error {
	r.mu.Lock()
	r.mode = modeAP
	r.associated = false
	r.mu.Unlock()
	return nil
}

// Stop brings the radio down.
func (r *Radio) Stop() error {
	r.mu.Lock()
	r.mode = modeOff
	r.associated = false
	r.mu.Unlock()
	return nil
}

// Scan lists reachable networks, strongest first, at most max.
func (r *Radio) Scan(_ context.Context, max int) ([]wifi.ScanResult, error) {
	r.mu.Lock()
	results := make([]wifi.ScanResult, 0, len(r.networks))
	for ssid, n := range r.networks {
		if r.down[ssid] {
			continue
		}
		auth := "wpa2"
		if n.Passphrase == "" {
			auth = "open"
		}
		results = append(results, wifi.ScanResult{SSID: ssid, RSSI: n.RSSI, Auth: auth})
	}
	r.mu.Unlock()

	sort.Slice(results, func(i, j int) bool { return results[i].RSSI > results[j].RSSI })
	if max > 0 && len(results) > max {
		results = results[:max]
	}
	return results, nil
}

// RSSI reports the associated network's signal strength.
func (r *Radio) RSSI() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.associated {
		return 0, fmt.Errorf("not associated")
	}
	return r.networks[r.target].RSSI, nil
}

// IP reports the station address.
func (r *Radio) IP() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.associated {
		return "", fmt.Errorf("no address assigned")
	}
	return r.stationIP, nil
}

// AddNetwork makes a network visible. Simulation control.
func (r *Radio) AddNetwork(n Network) {
	r.mu.Lock()
	r.networks[n.SSID] = n
	delete(r.down, n.SSID)
	r.mu.Unlock()
}

// SetNetworkDown takes a network out of range (or restores it). Taking
// down the associated network drops the link, which exercises the
// manager's retry path.
func (r *Radio) SetNetworkDown(ssid string, down bool) {
	r.mu.Lock()
	r.down[ssid] = down
	dropLink := down && r.associated && r.target == ssid
	if dropLink {
		r.associated = false
	}
	r.mu.Unlock()

	if dropLink {
		r.emit(wifi.RadioEvent{Kind: wifi.EventDisconnected, Reason: "beacon_timeout"})
	}
}

// SetStationIP overrides the address handed out on association.
func (r *Radio) SetStationIP(ip string) {
	r.mu.Lock()
	r.stationIP = ip
	r.mu.Unlock()
}

// emit delivers an event without ever blocking the caller. A full
// buffer drops the event, matching how a real radio sheds notifications
// no one is draining.
func (r *Radio) emit(ev wifi.RadioEvent) {
	select {
	case r.events <- ev:
	default:
	}
}
