package usbip

import (
	"net"
	"strconv"

	"github.com/efficientgo/core/errors"
)

// Dial opens a plain TCP connection to the target's usbipd control port.
// The same connection is reused first for the OP_REQ_IMPORT handshake
// and then, once import succeeds, as the broker.Transport carrying
// SUBMIT/UNLINK traffic for the imported device.
func (t Target) Dial() (net.Conn, error) {
	targetString := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	conn, err := net.Dial("tcp", targetString)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to USB/IP target at %s", targetString)
	}
	return conn, nil
}
