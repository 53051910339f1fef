package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// ByteOrder names the wire order of the bytes A (most significant) to D of a
// 32-bit value spread over two registers.
type ByteOrder string

const (
	OrderABCD ByteOrder = "ABCD" // big endian
	OrderDCBA ByteOrder = "DCBA" // little endian
	OrderBADC ByteOrder = "BADC" // bytes swapped within each register
	OrderCDAB ByteOrder = "CDAB" // registers swapped
)

// ParseByteOrder accepts the four orders and the big/little aliases.
func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ABCD", "BIG", "BIG-ENDIAN":
		return OrderABCD, nil
	case "DCBA", "LITTLE", "LITTLE-ENDIAN":
		return OrderDCBA, nil
	case "BADC":
		return OrderBADC, nil
	case "CDAB":
		return OrderCDAB, nil
	}
	return "", fmt.Errorf("unknown byte order %q", s)
}

// DataType is how registers are interpreted.
type DataType string

const (
	TypeUint16  DataType = "uint16"
	TypeInt16   DataType = "int16"
	TypeUint32  DataType = "uint32"
	TypeInt32   DataType = "int32"
	TypeFloat32 DataType = "float32"
)

// ParseDataType accepts the supported types; "float" is float32.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "uint16":
		return TypeUint16, nil
	case "int16":
		return TypeInt16, nil
	case "uint32":
		return TypeUint32, nil
	case "int32":
		return TypeInt32, nil
	case "float32", "float":
		return TypeFloat32, nil
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

// Width returns the number of registers one value occupies.
func (t DataType) Width() int {
	switch t {
	case TypeUint32, TypeInt32, TypeFloat32:
		return 2
	}
	return 1
}

// reorder converts between wire order and ABCD. Every permutation is its own
// inverse.
func reorder(b []byte, order ByteOrder) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	switch order {
	case OrderDCBA:
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	case OrderBADC:
		for i := 0; i+1 < len(out); i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
	case OrderCDAB:
		if len(out) == 4 {
			out[0], out[1], out[2], out[3] = out[2], out[3], out[0], out[1]
		}
	}
	return out
}

// Decode interprets regs as a sequence of values.
func Decode(regs []uint16, t DataType, order ByteOrder) ([]interface{}, error) {
	w := t.Width()
	if len(regs)%w != 0 {
		return nil, fmt.Errorf("%d registers do not divide into %s values", len(regs), t)
	}

	out := make([]interface{}, 0, len(regs)/w)
	for i := 0; i < len(regs); i += w {
		raw := make([]byte, 2*w)
		for j := 0; j < w; j++ {
			binary.BigEndian.PutUint16(raw[2*j:], regs[i+j])
		}
		b := reorder(raw, order)

		switch t {
		case TypeUint16:
			out = append(out, binary.BigEndian.Uint16(b))
		case TypeInt16:
			out = append(out, int16(binary.BigEndian.Uint16(b)))
		case TypeUint32:
			out = append(out, binary.BigEndian.Uint32(b))
		case TypeInt32:
			out = append(out, int32(binary.BigEndian.Uint32(b)))
		case TypeFloat32:
			out = append(out, math.Float32frombits(binary.BigEndian.Uint32(b)))
		default:
			return nil, fmt.Errorf("unknown data type %q", t)
		}
	}
	return out, nil
}

// Encode converts values into registers.
func Encode(values []float64, t DataType, order ByteOrder) ([]uint16, error) {
	w := t.Width()
	regs := make([]uint16, 0, len(values)*w)
	for _, v := range values {
		b := make([]byte, 2*w)
		switch t {
		case TypeUint16:
			if v < 0 || v > math.MaxUint16 {
				return nil, fmt.Errorf("value %v overflows uint16", v)
			}
			binary.BigEndian.PutUint16(b, uint16(v))
		case TypeInt16:
			if v < math.MinInt16 || v > math.MaxInt16 {
				return nil, fmt.Errorf("value %v overflows int16", v)
			}
			binary.BigEndian.PutUint16(b, uint16(int16(v)))
		case TypeUint32:
			if v < 0 || v > math.MaxUint32 {
				return nil, fmt.Errorf("value %v overflows uint32", v)
			}
			binary.BigEndian.PutUint32(b, uint32(v))
		case TypeInt32:
			if v < math.MinInt32 || v > math.MaxInt32 {
				return nil, fmt.Errorf("value %v overflows int32", v)
			}
			binary.BigEndian.PutUint32(b, uint32(int32(v)))
		case TypeFloat32:
			binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
		default:
			return nil, fmt.Errorf("unknown data type %q", t)
		}

		b = reorder(b, order)
		for j := 0; j < w; j++ {
			regs = append(regs, binary.BigEndian.Uint16(b[2*j:]))
		}
	}
	return regs, nil
}
