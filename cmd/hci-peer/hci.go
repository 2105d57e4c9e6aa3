package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
)

// HCI packet indicators.
const (
	hciCommandPkt = 0x01
	hciACLDataPkt = 0x02
	hciSCODataPkt = 0x03
	hciEventPkt   = 0x04
	hciISODataPkt = 0x05
)

const (
	evtCommandComplete = 0x0e

	statusSuccess        = 0x00
	statusUnknownCommand = 0x01
)

const (
	opReset              = 0x0c03
	opReadLocalVersion   = 0x1001
	opReadLocalCommands  = 0x1002
	opReadLocalFeatures  = 0x1003
	opReadBufferSize     = 0x1005
	opReadBDAddr         = 0x1009
	opLEReadBufferSize   = 0x2002
	opLEReadLocalFeature = 0x2003
)

// controller answers HCI commands the way a minimal BR/EDR + LE controller
// does. Everything it does not know gets an Unknown HCI Command status.
type controller struct {
	log    *slog.Logger
	bdaddr [6]byte
}

func newController(log *slog.Logger, addr string) (*controller, error) {
	hw, err := net.ParseMAC(addr)
	if err != nil || len(hw) != 6 {
		return nil, fmt.Errorf("invalid bdaddr %q", addr)
	}
	c := &controller{log: log}
	// BD_ADDR goes on the wire least significant byte first.
	for i := 0; i < 6; i++ {
		c.bdaddr[i] = hw[5-i]
	}
	return c, nil
}

func packetType(b byte) string {
	switch b {
	case hciCommandPkt:
		return "command"
	case hciACLDataPkt:
		return "acl"
	case hciSCODataPkt:
		return "sco"
	case hciEventPkt:
		return "event"
	case hciISODataPkt:
		return "iso"
	}
	return fmt.Sprintf("unknown(%#02x)", b)
}

// respond returns the reply to one frame from the driver, if any.
func (c *controller) respond(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	if frame[0] != hciCommandPkt {
		c.log.Debug("hci packet", "type", packetType(frame[0]), "len", len(frame))
		return nil, nil
	}
	if len(frame) < 4 {
		return nil, fmt.Errorf("short hci command: %d bytes", len(frame))
	}
	opcode := binary.LittleEndian.Uint16(frame[1:3])
	plen := int(frame[3])
	if len(frame) < 4+plen {
		return nil, fmt.Errorf("hci command %#04x truncated: want %d parameter bytes, have %d", opcode, plen, len(frame)-4)
	}
	c.log.Info("hci command", "opcode", fmt.Sprintf("%#04x", opcode), "ogf", opcode>>10, "ocf", opcode&0x3ff, "plen", plen)
	return commandComplete(opcode, c.returnParams(opcode)), nil
}

func (c *controller) returnParams(opcode uint16) []byte {
	switch opcode {
	case opReset:
		return []byte{statusSuccess}
	case opReadLocalVersion:
		// HCI 5.3, manufacturer 0xffff (none).
		return []byte{statusSuccess, 0x0c, 0x00, 0x00, 0x0c, 0xff, 0xff, 0x00, 0x00}
	case opReadLocalCommands:
		return append([]byte{statusSuccess}, make([]byte, 64)...)
	case opReadLocalFeatures:
		// LE supported (controller), BR/EDR not supported.
		return []byte{statusSuccess, 0, 0, 0, 0, 0x60, 0, 0, 0}
	case opReadBufferSize:
		params := make([]byte, 8)
		binary.LittleEndian.PutUint16(params[1:3], 1021)
		params[3] = 64
		binary.LittleEndian.PutUint16(params[4:6], 8)
		return params
	case opLEReadBufferSize:
		params := make([]byte, 4)
		binary.LittleEndian.PutUint16(params[1:3], 251)
		params[3] = 8
		return params
	case opLEReadLocalFeature:
		return append([]byte{statusSuccess}, make([]byte, 8)...)
	case opReadBDAddr:
		return append([]byte{statusSuccess}, c.bdaddr[:]...)
	}
	return []byte{statusUnknownCommand}
}

func commandComplete(opcode uint16, params []byte) []byte {
	evt := make([]byte, 0, 6+len(params))
	evt = append(evt, hciEventPkt, evtCommandComplete, byte(3+len(params)), 1)
	evt = binary.LittleEndian.AppendUint16(evt, opcode)
	return append(evt, params...)
}
