package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Port is a TCP/UDP port. Game servers send it either as a JSON number or as
// a numeric string, so both forms are accepted when decoding.
type Port int

// String returns the decimal form of the port.
func (p Port) String() string {
	return strconv.Itoa(int(p))
}

// Valid reports whether the port is usable as a server endpoint.
func (p Port) Valid() bool {
	return p > 0 && p <= 65535
}

// UnmarshalJSON decodes a number or a numeric string.
func (p *Port) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*p = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", s, err)
		}
		*p = Port(n)
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid port %s: %w", data, err)
	}
	*p = Port(n)

	return nil
}
