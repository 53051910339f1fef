package serial

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goserial "github.com/hootrhino/goserial"
)

// PortConfig describes a serial line.
type PortConfig struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

// Opener opens a serial port. Tests substitute in-memory pipes.
type Opener func(cfg PortConfig) (io.ReadWriteCloser, error)

// OpenPort opens a real serial device.
func OpenPort(cfg PortConfig) (io.ReadWriteCloser, error) {
	port, err := goserial.Open(&goserial.Config{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Address, err)
	}
	return port, nil
}

// Resolver maps USB identifiers to a tty device path.
type Resolver func(vendorID, productID, serialNumber string) (string, error)

// SysfsResolver resolves USB identifiers through the sysfs tree rooted at
// root, usually "/sys".
func SysfsResolver(root string) Resolver {
	return func(vendorID, productID, serialNumber string) (string, error) {
		return FindPort(root, vendorID, productID, serialNumber)
	}
}

// FindPort returns the /dev path of the first tty whose USB ancestor carries
// the given vendor and product ids, and serial number when non-empty.
func FindPort(root, vendorID, productID, serialNumber string) (string, error) {
	vendorID = NormalizeUSBID(vendorID)
	productID = NormalizeUSBID(productID)

	ttys, err := filepath.Glob(filepath.Join(root, "class", "tty", "*"))
	if err != nil {
		return "", err
	}

	for _, tty := range ttys {
		dev, err := filepath.EvalSymlinks(filepath.Join(tty, "device"))
		if err != nil {
			continue
		}

		// The USB device node is a few levels above the tty interface.
		dir := dev
		for i := 0; i < 6 && len(dir) > len(root); i++ {
			vid, err := readAttr(dir, "idVendor")
			if err != nil {
				dir = filepath.Dir(dir)
				continue
			}
			pid, _ := readAttr(dir, "idProduct")
			serial, _ := readAttr(dir, "serial")
			if NormalizeUSBID(vid) == vendorID && NormalizeUSBID(pid) == productID &&
				(serialNumber == "" || serial == serialNumber) {
				return filepath.Join("/dev", filepath.Base(tty)), nil
			}
			break
		}
	}

	if serialNumber != "" {
		return "", fmt.Errorf("no serial port found for usb device %s:%s serial %s", vendorID, productID, serialNumber)
	}
	return "", fmt.Errorf("no serial port found for usb device %s:%s", vendorID, productID)
}

func readAttr(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// NormalizeUSBID renders a vendor or product id as four lower-case hex
// digits. "0x2341", "2341" and "2341h" all become "2341".
func NormalizeUSBID(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimSuffix(s, "h")
	if n, err := strconv.ParseUint(s, 16, 16); err == nil {
		return fmt.Sprintf("%04x", n)
	}
	return s
}
