package modbus

import (
	"context"
	"strconv"
	"strings"

	"github.com/eddielth/data-ingest/device"
)

// Command names.
const (
	CmdReadCoils            = "readCoils"
	CmdReadDiscreteInputs   = "readDiscreteInputs"
	CmdReadHoldingRegisters = "readHoldingRegisters"
	CmdReadInputRegisters   = "readInputRegisters"
	CmdWriteCoil            = "writeCoil"
	CmdWriteCoils           = "writeCoils"
	CmdWriteRegister        = "writeRegister"
	CmdWriteRegisters       = "writeRegisters"
	CmdRead                 = "read"
	CmdWrite                = "write"
	CmdScan                 = "scan"
)

// execute runs one opcode. Per-command dataType and byteOrder override the
// connection defaults.
func (c *conn) execute(ctx context.Context, name string, p device.Parameters) (interface{}, error) {
	dt, order, err := c.codec(p)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(name) {
	case strings.ToLower(CmdReadCoils):
		return c.readCommand(ctx, "coil", p, dt, order)
	case strings.ToLower(CmdReadDiscreteInputs):
		return c.readCommand(ctx, "discrete", p, dt, order)
	case strings.ToLower(CmdReadHoldingRegisters):
		return c.readCommand(ctx, "holding", p, dt, order)
	case strings.ToLower(CmdReadInputRegisters):
		return c.readCommand(ctx, "input", p, dt, order)
	case strings.ToLower(CmdRead):
		registerType := p.String("registerType", "")
		if registerType == "" {
			return nil, device.ValidationError("read requires registerType")
		}
		return c.readCommand(ctx, registerType, p, dt, order)
	case strings.ToLower(CmdScan):
		return c.scan(ctx, p, dt, order)

	case strings.ToLower(CmdWriteCoil):
		return c.writeCoils(ctx, p, false)
	case strings.ToLower(CmdWriteCoils):
		return c.writeCoils(ctx, p, true)
	case strings.ToLower(CmdWriteRegister):
		return c.writeRegisters(ctx, p, dt, order, false)
	case strings.ToLower(CmdWriteRegisters):
		return c.writeRegisters(ctx, p, dt, order, true)
	case strings.ToLower(CmdWrite):
		return c.write(ctx, p, dt, order)
	}
	return nil, device.ValidationError("unsupported modbus command %q", name)
}

func (c *conn) codec(p device.Parameters) (DataType, ByteOrder, error) {
	dt, order := c.set.dataType, c.set.order
	if s := p.String("dataType", ""); s != "" {
		t, err := ParseDataType(s)
		if err != nil {
			return "", "", device.ValidationError("%v", err)
		}
		dt = t
	}
	if s := p.String("byteOrder", ""); s != "" {
		o, err := ParseByteOrder(s)
		if err != nil {
			return "", "", device.ValidationError("%v", err)
		}
		order = o
	}
	return dt, order, nil
}

func address(p device.Parameters) (int, error) {
	if !p.Has("address") {
		return 0, device.ValidationError("address is required")
	}
	return p.Int("address", 0), nil
}

func quantity(p device.Parameters, def int) int {
	for _, key := range []string{"quantity", "length", "count"} {
		if p.Has(key) {
			return p.Int(key, def)
		}
	}
	return def
}

func (c *conn) readCommand(ctx context.Context, registerType string, p device.Parameters, dt DataType, order ByteOrder) (interface{}, error) {
	addr, err := address(p)
	if err != nil {
		return nil, err
	}
	def := 1
	if fn, _ := registerFunction(registerType); fn == FuncReadHoldingRegisters || fn == FuncReadInputRegisters {
		def = dt.Width()
	}
	return c.read(ctx, registerType, addr, quantity(p, def), dt, order)
}

func (c *conn) scan(ctx context.Context, p device.Parameters, dt DataType, order ByteOrder) (interface{}, error) {
	if !p.Has("registerType") || !p.Has("startAddress") || !p.Has("endAddress") {
		return nil, device.ValidationError("scan requires registerType, startAddress and endAddress")
	}
	start, end := p.Int("startAddress", 0), p.Int("endAddress", 0)
	if end < start {
		return nil, device.ValidationError("endAddress %d is before startAddress %d", end, start)
	}
	return c.read(ctx, p.String("registerType", ""), start, end-start+1, dt, order)
}

func (c *conn) write(ctx context.Context, p device.Parameters, dt DataType, order ByteOrder) (interface{}, error) {
	registerType := p.String("registerType", "")
	fn, err := registerFunction(registerType)
	if err != nil {
		return nil, err
	}
	multiple := p.Has("values")
	if v, ok := p.Lookup("value"); ok {
		if _, isList := v.([]interface{}); isList {
			multiple = true
		}
	}

	switch fn {
	case FuncReadCoils:
		return c.writeCoils(ctx, p, multiple)
	case FuncReadHoldingRegisters:
		return c.writeRegisters(ctx, p, dt, order, multiple)
	}
	return nil, device.ValidationError("register type %s is read-only", registerType)
}

// listParam returns values, or value when it holds a list.
func listParam(p device.Parameters) []interface{} {
	if p.Has("values") {
		return p.List("values")
	}
	return p.List("value")
}

func (c *conn) writeCoils(ctx context.Context, p device.Parameters, multiple bool) (interface{}, error) {
	addr, err := address(p)
	if err != nil {
		return nil, err
	}

	var request []byte
	if multiple {
		items := listParam(p)
		if len(items) == 0 {
			return nil, device.ValidationError("values are required")
		}
		values := make([]bool, len(items))
		for i, item := range items {
			values[i] = truthy(item)
		}
		request, err = writeMultipleCoilsRequest(addr, values)
		if err != nil {
			return nil, device.ValidationError("%v", err)
		}
		if _, err := c.exchange(ctx, request); err != nil {
			return nil, err
		}
		return map[string]interface{}{"address": addr, "values": values}, nil
	}

	v, ok := p.Lookup("value")
	if !ok {
		return nil, device.ValidationError("value is required")
	}
	value := truthy(v)
	request, err = writeSingleCoilRequest(addr, value)
	if err != nil {
		return nil, device.ValidationError("%v", err)
	}
	if _, err := c.exchange(ctx, request); err != nil {
		return nil, err
	}
	return map[string]interface{}{"address": addr, "value": value}, nil
}

func (c *conn) writeRegisters(ctx context.Context, p device.Parameters, dt DataType, order ByteOrder, multiple bool) (interface{}, error) {
	addr, err := address(p)
	if err != nil {
		return nil, err
	}

	var items []interface{}
	if multiple {
		items = listParam(p)
	} else if v, ok := p.Lookup("value"); ok {
		items = []interface{}{v}
	}
	if len(items) == 0 {
		return nil, device.ValidationError("value is required")
	}

	values := make([]float64, len(items))
	for i, item := range items {
		f, ok := number(item)
		if !ok {
			return nil, device.ValidationError("value %v is not a number", item)
		}
		values[i] = f
	}
	regs, err := Encode(values, dt, order)
	if err != nil {
		return nil, device.ValidationError("%v", err)
	}

	var request []byte
	if len(regs) == 1 && !multiple {
		request, err = writeSingleRegisterRequest(addr, regs[0])
	} else {
		request, err = writeMultipleRegistersRequest(addr, regs)
	}
	if err != nil {
		return nil, device.ValidationError("%v", err)
	}
	if _, err := c.exchange(ctx, request); err != nil {
		return nil, err
	}
	return map[string]interface{}{"address": addr, "registers": regs}, nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "on" || s == "1"
	}
	f, ok := number(v)
	return ok && f != 0
}

func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
