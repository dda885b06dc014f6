// Package virtualhid creates kernel-backed virtual mice through /dev/uhid.
// A virtual device shows up as a real hidraw node, so the full discovery
// pipeline (udev match, database lookup, actor spawn) can be exercised on a
// machine with no supported hardware attached.
package virtualhid

import (
	"context"
	"fmt"

	"github.com/psanford/uhid"
	"go.uber.org/zap"
)

// MouseReportDescriptor is a standard three-button boot mouse with a wheel.
var MouseReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x02, // Usage (Mouse)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x01, //   Usage (Pointer)
	0xA1, 0x00, //   Collection (Physical)
	0x05, 0x09, //     Usage Page (Button)
	0x19, 0x01, //     Usage Minimum (1)
	0x29, 0x03, //     Usage Maximum (3)
	0x15, 0x00, //     Logical Minimum (0)
	0x25, 0x01, //     Logical Maximum (1)
	0x95, 0x03, //     Report Count (3)
	0x75, 0x01, //     Report Size (1)
	0x81, 0x02, //     Input (Data, Variable, Absolute)
	0x95, 0x01, //     Report Count (1)
	0x75, 0x05, //     Report Size (5)
	0x81, 0x03, //     Input (Constant)
	0x05, 0x01, //     Usage Page (Generic Desktop)
	0x09, 0x30, //     Usage (X)
	0x09, 0x31, //     Usage (Y)
	0x09, 0x38, //     Usage (Wheel)
	0x15, 0x81, //     Logical Minimum (-127)
	0x25, 0x7F, //     Logical Maximum (127)
	0x75, 0x08, //     Report Size (8)
	0x95, 0x03, //     Report Count (3)
	0x81, 0x06, //     Input (Data, Variable, Relative)
	0xC0, //   End Collection
	0xC0, // End Collection
}

// Device is one live virtual HID device.
type Device struct {
	log    *zap.Logger
	dev    *uhid.Device
	cancel context.CancelFunc
}

// Create registers a virtual USB mouse with the kernel. The device persists
// until Close.
func Create(log *zap.Logger, name string, vendor, product uint32, descriptor []byte) (*Device, error) {
	if len(descriptor) == 0 {
		descriptor = MouseReportDescriptor
	}
	uhidDev, err := uhid.NewDevice(name, descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to create uhid device: %w", err)
	}
	uhidDev.Data.Bus = 0x03
	uhidDev.Data.VendorID = vendor
	uhidDev.Data.ProductID = product

	ctx, cancel := context.WithCancel(context.Background())
	events, err := uhidDev.Open(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open uhid device: %w", err)
	}

	d := &Device{log: log, dev: uhidDev, cancel: cancel}
	go d.drainEvents(ctx, events)
	log.Info("virtual hid device created",
		zap.String("name", name),
		zap.String("id", fmt.Sprintf("%04x:%04x", vendor, product)))
	return d, nil
}

// drainEvents discards kernel-originated events; a virtual mouse used for
// discovery testing has nothing to answer.
func (d *Device) drainEvents(ctx context.Context, events chan uhid.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			d.log.Debug("uhid event", zap.Uint32("type", uint32(event.Type)))
		}
	}
}

// Inject emits an input report from the virtual device.
func (d *Device) Inject(report []byte) error {
	return d.dev.InjectEvent(report)
}

// Close destroys the kernel device.
func (d *Device) Close() error {
	d.cancel()
	return d.dev.Close()
}
