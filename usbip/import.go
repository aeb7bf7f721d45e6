package usbip

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/efficientgo/core/errors"
)

const (
	opReqImport = 0x8003
	opRepImport = 0x0003
)

type usbipImportRequest struct {
	usbipHeader
	BusId [32]byte
}

type usbipImportResponse struct {
	usbipHeader
	DeviceDescription
}

// Import issues OP_REQ_IMPORT for busId on conn and returns the
// server's device summary on success. conn stays open and, on success,
// becomes the transport the broker multiplexes SUBMIT/UNLINK traffic
// over for the rest of the device's lifetime.
func Import(conn net.Conn, busId string) (*DeviceDescription, error) {
	var busIdBin [32]byte
	copy(busIdBin[:], busId)

	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}

	req := usbipImportRequest{
		usbipHeader: usbipHeader{Version: 0x0111, Code: opReqImport},
		BusId:       busIdBin,
	}
	if err := binary.Write(conn, binary.BigEndian, req); err != nil {
		return nil, errors.Wrap(err, "failed to write import command")
	}

	resp := usbipImportResponse{}
	if err := binary.Read(conn, binary.BigEndian, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to read import response")
	}
	if resp.Code != opRepImport {
		return nil, errors.Newf("unexpected import response code %#x", resp.Code)
	}
	if resp.Status != 0 {
		return nil, errors.Newf("import command returned error status %d", resp.Status)
	}
	if resp.BusId != busIdBin {
		return nil, errors.New("import command returned unexpected busId")
	}

	// The handshake completed on a write/read deadline; once the
	// broker takes over the connection it manages its own lifetime.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return &resp.DeviceDescription, nil
}
