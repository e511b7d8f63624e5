package common

import (
	"fmt"
	"net"
	"strconv"
)

// TransportKind distinguishes the four transports a peer may be reached
// over. The numeric order is also the static selection priority: lower
// value wins when several transports probe healthy.
type TransportKind int

const (
	TransportLAN TransportKind = iota
	TransportUDP
	TransportRelay
	TransportBLE
)

func (t TransportKind) String() string {
	switch t {
	case TransportLAN:
		return "lan"
	case TransportUDP:
		return "udp"
	case TransportRelay:
		return "relay"
	case TransportBLE:
		return "ble"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the human-readable tag; CBOR keeps the compact int.
func (t TransportKind) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.String())), nil
}

func (t *TransportKind) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("transport kind: %w", err)
	}
	k, err := ParseTransportKind(s)
	if err != nil {
		return err
	}
	*t = k
	return nil
}

// ParseTransportKind maps the wire tag back to a TransportKind.
func ParseTransportKind(s string) (TransportKind, error) {
	switch s {
	case "lan":
		return TransportLAN, nil
	case "udp":
		return TransportUDP, nil
	case "relay":
		return TransportRelay, nil
	case "ble":
		return TransportBLE, nil
	}
	return 0, fmt.Errorf("unknown transport kind %q", s)
}

// Endpoint is an address a peer may be reached at, not a live connection.
// Exactly one shape is populated per kind:
//
//	lan / udp:  Host + Port (udp carries the STUN-discovered public mapping)
//	relay:      URL + SessionID
//	ble:        MAC
type Endpoint struct {
	Kind      TransportKind `cbor:"1,keyasint" json:"kind"`
	Host      string        `cbor:"2,keyasint,omitempty" json:"host,omitempty"`
	Port      int           `cbor:"3,keyasint,omitempty" json:"port,omitempty"`
	URL       string        `cbor:"4,keyasint,omitempty" json:"url,omitempty"`
	SessionID string        `cbor:"5,keyasint,omitempty" json:"session_id,omitempty"`
	MAC       string        `cbor:"6,keyasint,omitempty" json:"mac,omitempty"`
}

// LANEndpoint builds an endpoint on the local network.
func LANEndpoint(host string, port int) Endpoint {
	return Endpoint{Kind: TransportLAN, Host: host, Port: port}
}

// PublicEndpoint builds a hole-punchable public UDP endpoint.
func PublicEndpoint(host string, port int) Endpoint {
	return Endpoint{Kind: TransportUDP, Host: host, Port: port}
}

// RelayEndpoint builds a relay rendezvous endpoint.
func RelayEndpoint(url, sessionID string) Endpoint {
	return Endpoint{Kind: TransportRelay, URL: url, SessionID: sessionID}
}

// BLEEndpoint builds a BLE endpoint from a peripheral MAC.
func BLEEndpoint(mac string) Endpoint {
	return Endpoint{Kind: TransportBLE, MAC: mac}
}

// Addr renders the host:port form for the socket transports.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	switch e.Kind {
	case TransportRelay:
		return fmt.Sprintf("relay(%s#%s)", e.URL, ShortID(e.SessionID))
	case TransportBLE:
		return fmt.Sprintf("ble(%s)", e.MAC)
	default:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Addr())
	}
}

func (e Endpoint) Validate() error {
	switch e.Kind {
	case TransportLAN, TransportUDP:
		if e.Host == "" || e.Port <= 0 || e.Port > 65535 {
			return fmt.Errorf("%s endpoint needs host and port, got %q:%d", e.Kind, e.Host, e.Port)
		}
	case TransportRelay:
		if e.URL == "" || e.SessionID == "" {
			return fmt.Errorf("relay endpoint needs url and session id")
		}
	case TransportBLE:
		if e.MAC == "" {
			return fmt.Errorf("ble endpoint needs a mac address")
		}
	default:
		return fmt.Errorf("unknown transport kind %d", e.Kind)
	}
	return nil
}
