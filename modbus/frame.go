package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Function codes.
const (
	FuncReadCoils              byte = 0x01
	FuncReadDiscreteInputs     byte = 0x02
	FuncReadHoldingRegisters   byte = 0x03
	FuncReadInputRegisters     byte = 0x04
	FuncWriteSingleCoil        byte = 0x05
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleCoils     byte = 0x0F
	FuncWriteMultipleRegisters byte = 0x10
)

// Modbus TCP protocol constants
const (
	tcpHeaderLength       = 7 // MBAP header length in bytes
	maxPDULength          = 253
	protocolIdentifierTCP = 0x0000
)

var crcTable = func() (table [256]uint16) {
	const polynomial = 0xA001 // CRC-16-ANSI polynomial (reversed)
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ polynomial
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// CRC16 computes the Modbus RTU checksum. The low byte goes on the wire first.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[byte(crc)^b]
	}
	return crc
}

// packRTU frames pdu as slaveID + PDU + CRC.
func packRTU(slaveID byte, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("PDU cannot be empty")
	}
	if len(pdu) > maxPDULength {
		return nil, fmt.Errorf("PDU too long: %d bytes (max %d)", len(pdu), maxPDULength)
	}

	frame := make([]byte, 1+len(pdu)+2)
	frame[0] = slaveID
	copy(frame[1:], pdu)
	crc := CRC16(frame[:len(frame)-2])
	binary.LittleEndian.PutUint16(frame[len(frame)-2:], crc)
	return frame, nil
}

// unpackRTU verifies the CRC and splits a response frame.
func unpackRTU(frame []byte) (byte, []byte, error) {
	if len(frame) < 4 {
		return 0, nil, fmt.Errorf("RTU frame too short: %d bytes", len(frame))
	}
	body := frame[:len(frame)-2]
	want := CRC16(body)
	got := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if want != got {
		return 0, nil, fmt.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", want, got)
	}
	return frame[0], body[1:], nil
}

// rtuRemaining returns how many bytes follow the slave id, function code and
// first data byte of an RTU response, CRC included.
func rtuRemaining(function, first byte) (int, error) {
	if function&0x80 != 0 {
		return 2, nil
	}
	switch function {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		return int(first) + 2, nil
	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return 3 + 2, nil
	}
	return 0, fmt.Errorf("unsupported function code 0x%02X in response", function)
}

// packTCP prefixes pdu with an MBAP header.
// MBAP format: Transaction Identifier (2) + Protocol Identifier (2) + Length (2) + Unit Identifier (1).
func packTCP(transactionID uint16, unitID byte, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("PDU cannot be empty")
	}
	if len(pdu) > maxPDULength {
		return nil, fmt.Errorf("PDU length %d exceeds maximum %d bytes", len(pdu), maxPDULength)
	}

	frame := make([]byte, tcpHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], protocolIdentifierTCP)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1)) // Unit ID + PDU
	frame[6] = unitID
	copy(frame[tcpHeaderLength:], pdu)
	return frame, nil
}

// readTCP reads one complete MBAP framed message.
func readTCP(r io.Reader) (transactionID uint16, unitID byte, pdu []byte, err error) {
	header := make([]byte, tcpHeaderLength)
	if _, err = io.ReadFull(r, header); err != nil {
		return
	}

	transactionID = binary.BigEndian.Uint16(header[0:2])
	protocolID := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint16(header[4:6])
	unitID = header[6]

	if protocolID != protocolIdentifierTCP {
		err = fmt.Errorf("invalid protocol identifier: 0x%04X", protocolID)
		return
	}
	if length < 2 || length > maxPDULength+1 {
		err = fmt.Errorf("invalid length field: %d", length)
		return
	}

	pdu = make([]byte, int(length)-1)
	if _, err = io.ReadFull(r, pdu); err != nil {
		err = fmt.Errorf("failed to read PDU (%d bytes): %w", len(pdu), err)
	}
	return
}

// ExceptionError is a Modbus exception response.
type ExceptionError struct {
	Function byte
	Code     byte
}

var exceptionNames = map[byte]string{
	0x01: "illegal function",
	0x02: "illegal data address",
	0x03: "illegal data value",
	0x04: "server device failure",
	0x05: "acknowledge",
	0x06: "server device busy",
	0x08: "memory parity error",
	0x0A: "gateway path unavailable",
	0x0B: "gateway target device failed to respond",
}

func (e *ExceptionError) Error() string {
	name, ok := exceptionNames[e.Code]
	if !ok {
		name = "unknown exception"
	}
	return fmt.Sprintf("modbus exception 0x%02X (%s) for function 0x%02X", e.Code, name, e.Function)
}

// checkResponse matches a response PDU against its request.
func checkResponse(request, response []byte) error {
	if len(response) == 0 {
		return fmt.Errorf("empty response PDU")
	}
	if response[0] == request[0]|0x80 {
		if len(response) < 2 {
			return fmt.Errorf("truncated exception response")
		}
		return &ExceptionError{Function: request[0], Code: response[1]}
	}
	if response[0] != request[0] {
		return fmt.Errorf("function code mismatch: sent 0x%02X, received 0x%02X", request[0], response[0])
	}
	return nil
}
