package hidio

import (
	"fmt"

	"github.com/sstallion/go-hid"
	"go.uber.org/zap"
)

// hidrawConn adapts a hidapi device handle to the Conn interface.
type hidrawConn struct {
	dev *hid.Device
}

func (h *hidrawConn) Read(buf []byte) (int, error) {
	return h.dev.Read(buf)
}

func (h *hidrawConn) Write(buf []byte) (int, error) {
	return h.dev.Write(buf)
}

func (h *hidrawConn) GetFeatureReport(reportID uint8) ([]byte, error) {
	buf := make([]byte, maxReportLen)
	buf[0] = reportID
	n, err := h.dev.GetFeatureReport(buf)
	if err != nil {
		return nil, err
	}
	if reportID == 0 {
		return buf[1:n], nil
	}
	return buf[:n], nil
}

func (h *hidrawConn) SetFeatureReport(buf []byte) (int, error) {
	return h.dev.SendFeatureReport(buf)
}

func (h *hidrawConn) Close() error {
	return h.dev.Close()
}

// Open opens the hidraw node at path and starts its reader.
func Open(log *zap.Logger, path string) (*DeviceIo, error) {
	dev, err := hid.OpenPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hidraw device %s: %w", path, err)
	}
	return New(log, &hidrawConn{dev: dev}), nil
}
