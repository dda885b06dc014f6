// Package hotplug watches the kernel device-event stream for hidraw nodes:
// existing nodes are enumerated at startup, then add/remove events stream in
// over a udev netlink monitor.
package hotplug

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jochenvg/go-udev"
	"go.uber.org/zap"

	"github.com/rodentd/rodentd/pkg/bus"
)

type EventType uint8

const (
	DeviceAdded EventType = iota
	DeviceRemoved
)

// Event describes one hidraw node appearing or disappearing. Identity
// fields are only populated for additions.
type Event struct {
	Type    EventType
	Sysname string
	Devnode string
	Name    string
	Bustype uint16
	Vendor  uint16
	Product uint16
}

type (
	Bus        = bus.Bus[string, Event]
	Publisher  = bus.Publisher[Event]
	Subscriber = bus.Subscriber[string, Event]
)

// Monitor produces hotplug events for the supervisor.
type Monitor struct {
	log   *zap.Logger
	udev  *udev.Udev
	ready chan struct{}
}

func NewMonitor(log *zap.Logger) *Monitor {
	return &Monitor{
		log:   log,
		udev:  &udev.Udev{},
		ready: make(chan struct{}),
	}
}

func (m *Monitor) Ready() <-chan struct{} { return m.ready }

// Start enumerates existing hidraw nodes, then blocks streaming hotplug
// events until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, publish Publisher) error {
	monitor := m.udev.NewMonitorFromNetlink("udev")
	if monitor == nil {
		return fmt.Errorf("failed to create udev monitor")
	}
	if err := monitor.FilterAddMatchSubsystemDevtype("hidraw", ""); err != nil {
		return fmt.Errorf("failed to filter hidraw subsystem: %w", err)
	}
	ch, err := monitor.DeviceChan(ctx)
	if err != nil {
		return fmt.Errorf("failed to open udev monitor channel: %w", err)
	}

	if err := m.enumerateExisting(ctx, publish); err != nil {
		return err
	}
	close(m.ready)
	m.log.Info("hotplug monitor listening on hidraw subsystem")

	for {
		select {
		case <-ctx.Done():
			return nil
		case dev, ok := <-ch:
			if !ok {
				return nil
			}
			switch dev.Action() {
			case "add":
				if event, ok := buildAddEvent(dev); ok {
					m.log.Info("hotplug add", zap.String("sysname", event.Sysname))
					publish(ctx, event)
				}
			case "remove":
				sysname := dev.Sysname()
				m.log.Info("hotplug remove", zap.String("sysname", sysname))
				publish(ctx, Event{Type: DeviceRemoved, Sysname: sysname})
			}
		}
	}
}

func (m *Monitor) enumerateExisting(ctx context.Context, publish Publisher) error {
	e := m.udev.NewEnumerate()
	if err := e.AddMatchSubsystem("hidraw"); err != nil {
		return fmt.Errorf("failed to match hidraw subsystem: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return fmt.Errorf("failed to enumerate hidraw devices: %w", err)
	}
	for _, dev := range devices {
		if event, ok := buildAddEvent(dev); ok {
			m.log.Debug("existing device", zap.String("sysname", event.Sysname))
			publish(ctx, event)
		}
	}
	return nil
}

// buildAddEvent extracts the identity triple from the hid parent of a
// hidraw node. Nodes without a usable HID_ID are skipped.
func buildAddEvent(dev *udev.Device) (Event, bool) {
	devnode := dev.Devnode()
	if devnode == "" {
		return Event{}, false
	}
	parent := findHidParent(dev)
	if parent == nil {
		return Event{}, false
	}
	bustype, vendor, product, ok := ParseHidID(parent.PropertyValue("HID_ID"))
	if !ok {
		return Event{}, false
	}
	name := parent.PropertyValue("HID_NAME")
	if name == "" {
		name = "Unknown"
	}
	return Event{
		Type:    DeviceAdded,
		Sysname: dev.Sysname(),
		Devnode: devnode,
		Name:    name,
		Bustype: bustype,
		Vendor:  vendor,
		Product: product,
	}, true
}

func findHidParent(dev *udev.Device) *udev.Device {
	for current := dev.Parent(); current != nil; current = current.Parent() {
		if current.Subsystem() == "hid" {
			return current
		}
	}
	return nil
}

// ParseHidID parses the kernel HID_ID property, format "BBBB:VVVV:PPPP".
func ParseHidID(s string) (bustype, vendor, product uint16, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	b, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, 0, false
	}
	p, err := strconv.ParseUint(parts[2], 16, 16)
	if err != nil {
		return 0, 0, 0, false
	}
	return uint16(b), uint16(v), uint16(p), true
}
