// Package testdev synthesises devices backed by an in-memory I/O stub,
// letting the whole actor and adapter stack run without kernel HID nodes.
package testdev

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/actor"
	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/driver"
	"github.com/rodentd/rodentd/internal/hidio"
)

// Definition is the JSON shape accepted by LoadTestDevice.
type Definition struct {
	Sysname      string                `json:"sysname"`
	Name         string                `json:"name"`
	Model        string                `json:"model"`
	Capabilities devstate.Capabilities `json:"capabilities"`
	Profiles     []devstate.Profile    `json:"profiles"`
}

// Parse decodes and sanity-checks a definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid test device definition: %w", err)
	}
	if def.Name == "" {
		def.Name = "Test Device"
	}
	if def.Model == "" {
		def.Model = "test:0000:0000:0"
	}
	if len(def.Profiles) == 0 {
		return nil, fmt.Errorf("test device definition has no profiles")
	}
	if def.Capabilities.NumProfiles == 0 {
		def.Capabilities.NumProfiles = len(def.Profiles)
	}
	for i := range def.Profiles {
		def.Profiles[i].Index = i
	}
	active := 0
	for _, p := range def.Profiles {
		if p.Active {
			active++
		}
	}
	if active != 1 {
		return nil, fmt.Errorf("test device definition needs exactly one active profile, has %d", active)
	}
	return &def, nil
}

// Conn is an inert in-memory transport: reads block until close, writes
// are accepted and dropped.
type Conn struct {
	once sync.Once
	quit chan struct{}
}

func NewConn() *Conn { return &Conn{quit: make(chan struct{})} }

func (c *Conn) Read(buf []byte) (int, error) {
	<-c.quit
	return 0, io.EOF
}

func (c *Conn) Write(buf []byte) (int, error)             { return len(buf), nil }
func (c *Conn) GetFeatureReport(id uint8) ([]byte, error) { return []byte{id}, nil }
func (c *Conn) SetFeatureReport(d []byte) (int, error)    { return len(d), nil }

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.quit) })
	return nil
}

// Driver serves a Definition back through the standard dialect surface.
// CommitErr, when set, fails the next commit and is then cleared.
type Driver struct {
	mu        sync.Mutex
	def       *Definition
	CommitErr error
	committed *devstate.Device
}

func NewDriver(def *Definition) *Driver {
	return &Driver{def: def}
}

func (d *Driver) Name() string { return "testdev" }

func (d *Driver) Probe(ctx context.Context, io *hidio.DeviceIo) (devstate.Capabilities, error) {
	return d.def.Capabilities, nil
}

func (d *Driver) LoadProfiles(ctx context.Context, io *hidio.DeviceIo, caps devstate.Capabilities) ([]devstate.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.committed != nil {
		clone := d.committed.Clone()
		return clone.Profiles, nil
	}
	src := devstate.Device{Profiles: d.def.Profiles}
	clone := src.Clone()
	return clone.Profiles, nil
}

func (d *Driver) Commit(ctx context.Context, io *hidio.DeviceIo, dev *devstate.Device, diff devstate.Diff) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CommitErr != nil {
		err := d.CommitErr
		d.CommitErr = nil
		return err
	}
	clone := dev.Clone()
	d.committed = &clone
	return nil
}

// FailNextCommit arms a one-shot commit failure.
func (d *Driver) FailNextCommit(err error) {
	d.mu.Lock()
	d.CommitErr = err
	d.mu.Unlock()
}

// Committed returns the last committed device state.
func (d *Driver) Committed() *devstate.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.committed
}

var _ driver.Driver = (*Driver)(nil)

// Spawn builds and runs an actor for the definition. The returned cancel
// tears the device down.
func Spawn(ctx context.Context, log *zap.Logger, def *Definition) (*actor.Actor, *Driver, context.CancelFunc) {
	drv := NewDriver(def)
	dio := hidio.New(log.Named("hidio"), NewConn())
	identity := devstate.Device{Sysname: def.Sysname, Name: def.Name, Model: def.Model}
	a := actor.New(log.Named("actor"), identity, drv, dio)

	actorCtx, cancel := context.WithCancel(ctx)
	go a.Run(actorCtx)
	return a, drv, cancel
}
