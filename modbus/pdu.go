package modbus

import (
	"encoding/binary"
	"fmt"
)

// Protocol limits on quantities per request.
const (
	maxReadBits       = 2000
	maxReadRegisters  = 125
	maxWriteBits      = 1968
	maxWriteRegisters = 123
)

func readRequest(function byte, address, quantity int) ([]byte, error) {
	limit := maxReadRegisters
	if function == FuncReadCoils || function == FuncReadDiscreteInputs {
		limit = maxReadBits
	}
	if err := checkRange(address, quantity, limit); err != nil {
		return nil, err
	}
	pdu := make([]byte, 5)
	pdu[0] = function
	binary.BigEndian.PutUint16(pdu[1:3], uint16(address))
	binary.BigEndian.PutUint16(pdu[3:5], uint16(quantity))
	return pdu, nil
}

func writeSingleCoilRequest(address int, value bool) ([]byte, error) {
	if err := checkRange(address, 1, 1); err != nil {
		return nil, err
	}
	pdu := make([]byte, 5)
	pdu[0] = FuncWriteSingleCoil
	binary.BigEndian.PutUint16(pdu[1:3], uint16(address))
	if value {
		binary.BigEndian.PutUint16(pdu[3:5], 0xFF00)
	}
	return pdu, nil
}

func writeSingleRegisterRequest(address int, value uint16) ([]byte, error) {
	if err := checkRange(address, 1, 1); err != nil {
		return nil, err
	}
	pdu := make([]byte, 5)
	pdu[0] = FuncWriteSingleRegister
	binary.BigEndian.PutUint16(pdu[1:3], uint16(address))
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu, nil
}

func writeMultipleCoilsRequest(address int, values []bool) ([]byte, error) {
	if err := checkRange(address, len(values), maxWriteBits); err != nil {
		return nil, err
	}
	n := (len(values) + 7) / 8
	pdu := make([]byte, 6+n)
	pdu[0] = FuncWriteMultipleCoils
	binary.BigEndian.PutUint16(pdu[1:3], uint16(address))
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(values)))
	pdu[5] = byte(n)
	for i, v := range values {
		if v {
			pdu[6+i/8] |= 1 << uint(i%8)
		}
	}
	return pdu, nil
}

func writeMultipleRegistersRequest(address int, values []uint16) ([]byte, error) {
	if err := checkRange(address, len(values), maxWriteRegisters); err != nil {
		return nil, err
	}
	pdu := make([]byte, 6+2*len(values))
	pdu[0] = FuncWriteMultipleRegisters
	binary.BigEndian.PutUint16(pdu[1:3], uint16(address))
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(values)))
	pdu[5] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[6+2*i:], v)
	}
	return pdu, nil
}

func checkRange(address, quantity, limit int) error {
	if address < 0 || address > 0xFFFF {
		return fmt.Errorf("address %d out of range 0-65535", address)
	}
	if quantity < 1 || quantity > limit {
		return fmt.Errorf("quantity %d out of range 1-%d", quantity, limit)
	}
	if address+quantity > 0x10000 {
		return fmt.Errorf("address %d + quantity %d exceeds the register space", address, quantity)
	}
	return nil
}

// parseBits decodes a read coils/discrete inputs response.
func parseBits(response []byte, quantity int) ([]bool, error) {
	if len(response) < 2 || int(response[1]) != len(response)-2 {
		return nil, fmt.Errorf("malformed bit response of %d bytes", len(response))
	}
	data := response[2:]
	if len(data)*8 < quantity {
		return nil, fmt.Errorf("bit response carries %d bytes, need %d bits", len(data), quantity)
	}
	out := make([]bool, quantity)
	for i := range out {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out, nil
}

// parseRegisters decodes a read holding/input registers response.
func parseRegisters(response []byte, quantity int) ([]uint16, error) {
	if len(response) < 2 || int(response[1]) != len(response)-2 {
		return nil, fmt.Errorf("malformed register response of %d bytes", len(response))
	}
	data := response[2:]
	if len(data) != 2*quantity {
		return nil, fmt.Errorf("register response carries %d bytes, expected %d", len(data), 2*quantity)
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out, nil
}
