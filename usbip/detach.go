package usbip

import "net"

// Detach ends a USB/IP import session by closing its transport
// connection. USB/IP has no wire-level "detach" request: the server
// treats a closed control connection as the client releasing the
// device, so there is nothing else to send here. Callers still need to
// drive broker.Manager.Unplug separately to complete any outstanding
// requests locally.
func Detach(conn net.Conn) error {
	return conn.Close()
}
