package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Port
		wantErr bool
	}{
		{name: "number", input: `7777`, want: 7777},
		{name: "string", input: `"7777"`, want: 7777},
		{name: "padded string", input: `" 27015 "`, want: 27015},
		{name: "empty string", input: `""`, want: 0},
		{name: "null", input: `null`, want: 0},
		{name: "word", input: `"abc"`, wantErr: true},
		{name: "float", input: `77.5`, wantErr: true},
		{name: "bool", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Port
			err := json.Unmarshal([]byte(tt.input), &p)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestPortValid(t *testing.T) {
	assert.False(t, Port(0).Valid())
	assert.True(t, Port(1).Valid())
	assert.True(t, Port(65535).Valid())
	assert.False(t, Port(65536).Valid())
	assert.False(t, Port(-1).Valid())
}

func TestAddressString(t *testing.T) {
	assert.Equal(t, "10.0.0.1:7777", Address{IP: "10.0.0.1", Port: 7777}.String())
	assert.Equal(t, "[2001:db8::1]:7777", Address{IP: "2001:db8::1", Port: 7777}.String())
}

func TestPayloadAcceptsFlatAddress(t *testing.T) {
	var p ServerPayload
	require.NoError(t, json.Unmarshal([]byte(`{"name":"Arena1","ip":"10.0.0.1","port":"7777","max_players":16}`), &p))

	assert.Equal(t, "Arena1", p.Name)
	assert.Equal(t, Address{IP: "10.0.0.1", Port: 7777}, p.Address)
	assert.Equal(t, 16, p.MaxPlayers)

	var nested ServerPayload
	require.NoError(t, json.Unmarshal([]byte(`{"name":"Arena1","address":{"ip":"10.0.0.2","port":27015},"ip":"10.0.0.1"}`), &nested))
	assert.Equal(t, Address{IP: "10.0.0.2", Port: 27015}, nested.Address)
}

func TestSubmissionUnwrap(t *testing.T) {
	var s Submission
	require.NoError(t, json.Unmarshal([]byte(`{"ServerCheckIn":{"ip":"10.0.0.1","port":7777,"current_players":3}}`), &s))

	kind, payload, ok := s.Unwrap()
	require.True(t, ok)
	assert.Equal(t, Checkin, kind)
	assert.Equal(t, 3, payload.CurrentPlayers)

	_, _, ok = Submission{}.Unwrap()
	assert.False(t, ok, "empty envelope")

	both := Submission{Registration: &ServerPayload{}, Deregistration: &ServerPayload{}}
	_, _, ok = both.Unwrap()
	assert.False(t, ok, "ambiguous envelope")
}

func TestRecordJSONHidesSource(t *testing.T) {
	data, err := json.Marshal(ServerRecord{ID: 42, Name: "Arena1", RegisteredFrom: "10.0.0.1:5000", Active: true})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.NotContains(t, m, "RegisteredFrom")
	assert.NotContains(t, m, "registered_from")
	assert.Equal(t, float64(42), m["id"])
	assert.Equal(t, true, m["active"])
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "registration", Registration.String())
	assert.Equal(t, "checkin", Checkin.String())
	assert.Equal(t, "deregistration", Deregistration.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}
