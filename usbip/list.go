package usbip

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/efficientgo/core/errors"
)

const (
	opReqDevlist = 0x8005
	opRepDevlist = 0x0005
)

type usbipDevlistResponseHeader struct {
	usbipHeader
	NumDevices uint32
}

// busIdString trims a fixed-size, null-terminated BusId field down to
// its Go string value, tolerating a field with no null terminator.
func busIdString(raw [32]byte) string {
	if n := bytes.IndexByte(raw[:], 0); n >= 0 {
		return string(raw[:n])
	}
	return string(raw[:])
}

// List issues OP_REQ_DEVLIST on conn and returns the devices the server
// currently exports. conn is expected to be freshly dialed; the caller
// owns closing it.
func List(conn net.Conn) ([]Device, error) {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if err := binary.Write(conn, binary.BigEndian, usbipHeader{Version: 0x0111, Code: opReqDevlist}); err != nil {
		return nil, errors.Wrap(err, "failed to write devlist command")
	}

	hdr := usbipDevlistResponseHeader{}
	if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "failed to read response to devlist command")
	}
	if hdr.Code != opRepDevlist {
		return nil, errors.Newf("unexpected devlist response code %#x", hdr.Code)
	}
	if hdr.Status != 0 {
		return nil, errors.Newf("devlist command returned error status %d", hdr.Status)
	}

	devices := make([]Device, hdr.NumDevices)
	var tmpBuf [1024]byte
	for devIx := range devices {
		var dev DeviceDescription
		if err := binary.Read(conn, binary.BigEndian, &dev); err != nil {
			return nil, errors.Wrap(err, "failed to read devices in devlist response")
		}
		devices[devIx] = Device{
			Vendor:  USBID(dev.Vendor),
			Product: USBID(dev.Product),
			BusId:   busIdString(dev.BusId),
		}

		// Each entry is followed by one usbip_usb_interface record (4
		// bytes) per interface; skip them, we don't need interface
		// summaries at devlist time.
		bytesToSkip := 4 * int(dev.NumInterfaces)
		if bytesToSkip > len(tmpBuf) {
			return nil, errors.New("unexpected number of interfaces in devlist response")
		}
		if _, err := io.ReadFull(conn, tmpBuf[:bytesToSkip]); err != nil {
			return nil, errors.Wrap(err, "devlist entry ended early")
		}
	}

	return devices, nil
}
