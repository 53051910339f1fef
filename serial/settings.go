package serial

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/validator"
)

// Correlation modes.
const (
	// CorrelateByID matches reply frames by their commandId field.
	CorrelateByID = "id"
	// CorrelateNext treats the next frame after a command as its reply.
	CorrelateNext = "next"
)

// Command encodings.
const (
	FormatJSON = "json"
	// FormatRaw writes the command string as is, e.g. AT commands.
	FormatRaw = "raw"
)

var lineRules = validator.Set{
	&validator.AnyOfValidator{Fields: []string{"port", "vendorId"}},
	&validator.RangeValidator{Field: "baudRate", Min: 50, Max: 4000000},
	&validator.RangeValidator{Field: "dataBits", Min: 5, Max: 8},
	&validator.RangeValidator{Field: "stopBits", Min: 1, Max: 2},
	&validator.OneOfValidator{Field: "parity", Values: []string{"N", "E", "O", "none", "even", "odd"}},
}

var streamRules = validator.Set{
	&validator.OneOfValidator{Field: "correlation", Values: []string{CorrelateByID, CorrelateNext}},
	&validator.OneOfValidator{Field: "commandFormat", Values: []string{FormatJSON, FormatRaw}},
}

// PortFromParameters builds a PortConfig from connection parameters. When no
// port is given the USB vendorId/productId/serialNumber are resolved.
func PortFromParameters(p device.Parameters, timeout time.Duration, resolve Resolver) (PortConfig, error) {
	if err := lineRules.Validate(map[string]interface{}(p)); err != nil {
		return PortConfig{}, device.ValidationError("%v", err)
	}

	cfg := PortConfig{
		Address:  p.String("port", ""),
		BaudRate: p.Int("baudRate", 9600),
		DataBits: p.Int("dataBits", 8),
		StopBits: p.Int("stopBits", 1),
		Parity:   parity(p.String("parity", "N")),
		Timeout:  p.Duration("readTimeoutMs", 100*time.Millisecond),
	}
	if cfg.Timeout > timeout && timeout > 0 {
		cfg.Timeout = timeout
	}

	if cfg.Address == "" {
		if !p.Has("productId") {
			return PortConfig{}, device.ValidationError("field productId is required with vendorId")
		}
		if resolve == nil {
			return PortConfig{}, device.ValidationError("usb lookup is not available, set port")
		}
		addr, err := resolve(usbID(p, "vendorId"), usbID(p, "productId"), p.String("serialNumber", ""))
		if err != nil {
			return PortConfig{}, device.TransportError(err, "usb device lookup failed")
		}
		cfg.Address = addr
	}
	return cfg, nil
}

func parity(s string) string {
	switch strings.ToLower(s) {
	case "e", "even":
		return "E"
	case "o", "odd":
		return "O"
	}
	return "N"
}

// usbID reads an id that YAML may have decoded as a number (0x2341) or
// kept as a hex string ("2341").
func usbID(p device.Parameters, key string) string {
	v, _ := p.Lookup(key)
	switch t := v.(type) {
	case string:
		return NormalizeUSBID(t)
	case nil:
		return ""
	default:
		n := p.Int(key, -1)
		if n < 0 {
			return fmt.Sprint(t)
		}
		return fmt.Sprintf("%04x", n)
	}
}

// settings are the stream options of a serial connection.
type settings struct {
	port        PortConfig
	delimiter   []byte
	correlation string
	format      string
	maxFrame    int
	queueSize   int
}

func parseSettings(cfg device.Config, resolve Resolver) (settings, error) {
	p := cfg.Parameters
	if err := streamRules.Validate(map[string]interface{}(p)); err != nil {
		return settings{}, device.ValidationError("%v", err)
	}

	delim, err := unescape(p.String("delimiter", `\n`))
	if err != nil {
		return settings{}, device.ValidationError("invalid delimiter: %v", err)
	}

	port, err := PortFromParameters(p, cfg.Timeout(), resolve)
	if err != nil {
		return settings{}, err
	}

	return settings{
		port:        port,
		delimiter:   delim,
		correlation: strings.ToLower(p.String("correlation", CorrelateByID)),
		format:      strings.ToLower(p.String("commandFormat", FormatJSON)),
		maxFrame:    p.Int("maxFrameSize", DefaultMaxFrame),
		queueSize:   p.Int("queueSize", 256),
	}, nil
}

// unescape accepts delimiters written as Go escapes, e.g. `\r\n`.
func unescape(s string) ([]byte, error) {
	if s == "" {
		return []byte("\n"), nil
	}
	if !strings.Contains(s, `\`) {
		return []byte(s), nil
	}
	u, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
	if err != nil {
		return nil, err
	}
	return []byte(u), nil
}
