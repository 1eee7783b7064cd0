package game

import (
	"errors"
	"net"
	"syscall"

	"github.com/woozymasta/masterlist/internal/config"
	"github.com/woozymasta/masterlist/internal/models"
)

// Reachable checks that the host of addr answers at all, for servers that do
// not speak A2S. A TCP connect that is refused still proves the host is up,
// game traffic usually being UDP. Only timeouts and unreachable networks fail.
// The returned status is always nil: nothing is learned about the server.
func Reachable(addr models.Address, options config.A2S) (*Status, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), options.Timeout)
	if err == nil {
		_ = conn.Close()
		return nil, nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return nil, nil
	}

	return nil, err
}
