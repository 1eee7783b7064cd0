// Package models defines the data structures used for API requests, queued events and database persistence.
package models

import (
	"encoding/json"
	"net"
	"strconv"
	"time"
)

// ServerID is the derived identifier of a game server, see package identity.
type ServerID uint64

// String returns the decimal form of the identifier.
func (id ServerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Address is the network endpoint a game server accepts players on.
type Address struct {
	IP   string `json:"ip"`
	Port Port   `json:"port"`
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.IP, a.Port.String())
}

// ServerPayload represents a server description sent by the game server itself.
// The identifier is never taken from the caller, so the payload has no id field.
type ServerPayload struct {
	Name           string  `json:"name"`
	GameMode       string  `json:"game_mode"`
	Map            string  `json:"map"`
	Address        Address `json:"address"`
	MaxPlayers     int     `json:"max_players"`
	CurrentPlayers int     `json:"current_players"`
}

// UnmarshalJSON also accepts the flat "ip" and "port" keys sent by legacy
// clients. A nested address wins when both are present.
func (p *ServerPayload) UnmarshalJSON(data []byte) error {
	type plain ServerPayload
	aux := struct {
		*plain
		IP   *string `json:"ip"`
		Port *Port   `json:"port"`
	}{plain: (*plain)(p)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if p.Address.IP == "" && aux.IP != nil {
		p.Address.IP = *aux.IP
	}
	if p.Address.Port == 0 && aux.Port != nil {
		p.Address.Port = *aux.Port
	}

	return nil
}

// ServerRecord represents an announced game server stored in the database.
type ServerRecord struct {
	LastSeenAt     time.Time `json:"last_seen_at"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	Name           string    `json:"name"`
	GameMode       string    `json:"game_mode"`
	Map            string    `json:"map"`
	CountryCode    string    `json:"country_code,omitempty"`
	RegisteredFrom string    `json:"-"`
	Address        Address   `json:"address"`
	ID             ServerID  `json:"id"`
	MaxPlayers     int       `json:"max_players"`
	CurrentPlayers int       `json:"current_players"`
	Active         bool      `json:"active"`
}

// EventKind tells which queue an event belongs to.
type EventKind uint8

// Supported event kinds.
const (
	Registration EventKind = iota + 1
	Checkin
	Deregistration
)

// String returns the human readable kind name used in logs and metrics labels.
func (k EventKind) String() string {
	switch k {
	case Registration:
		return "registration"
	case Checkin:
		return "checkin"
	case Deregistration:
		return "deregistration"
	default:
		return "unknown"
	}
}

// Event is a validated submission waiting in a queue for the reconciler.
type Event struct {
	// ReceivedAt is the moment the transport accepted the event.
	ReceivedAt time.Time

	// Source is the requester address (ip:port) kept for audit.
	Source string

	// Country is the ISO code of the server IP, empty when unknown.
	Country string

	Server ServerPayload
	Kind   EventKind
}

// Log severities.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// LogEntry is a diagnostic record persisted to the append-only log table.
type LogEntry struct {
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	Origin   string    `json:"origin,omitempty"`
}

// Submission is the legacy request envelope. Exactly one field must be set.
type Submission struct {
	Registration   *ServerPayload `json:"ServerRegistration,omitempty"`
	Checkin        *ServerPayload `json:"ServerCheckIn,omitempty"`
	Deregistration *ServerPayload `json:"ServerDeregistration,omitempty"`
}

// Unwrap returns the single payload of the envelope and its kind.
// ok is false when the envelope carries none or more than one payload.
func (s Submission) Unwrap() (kind EventKind, payload ServerPayload, ok bool) {
	count := 0
	if s.Registration != nil {
		kind, payload = Registration, *s.Registration
		count++
	}
	if s.Checkin != nil {
		kind, payload = Checkin, *s.Checkin
		count++
	}
	if s.Deregistration != nil {
		kind, payload = Deregistration, *s.Deregistration
		count++
	}

	return kind, payload, count == 1
}

// SubmissionResponse is returned for every registration, checkin and deregistration request.
type SubmissionResponse struct {
	// Accepted reports whether the event was validly queued, not whether it was stored.
	Accepted bool `json:"accepted"`

	// RecommendedCheckinInterval is the expected checkin period in seconds.
	RecommendedCheckinInterval float64 `json:"recommended_checkin_interval"`
}

// ServerList is the body of a published snapshot.
type ServerList struct {
	Servers []ServerRecord `json:"servers"`
}

// LegacyResponse is the reply of the legacy envelope route, with the field
// names existing game clients parse.
type LegacyResponse struct {
	WasSuccessful    bool `json:"WasSuccessful"`
	CheckInFrequency int  `json:"CheckInFrequency"`
}
