package adapter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/actor"
	"github.com/rodentd/rodentd/internal/devstate"
)

// Device is the per-device object. All child objects share it and go
// through its snapshot and submit helpers.
type Device struct {
	log     *zap.Logger
	sysname string
	actor   *actor.Actor
}

func newDevice(log *zap.Logger, sysname string, a *actor.Actor) *Device {
	return &Device{log: log, sysname: sysname, actor: a}
}

func (d *Device) Path() string {
	return fmt.Sprintf("%s/device/%s", BasePath, d.sysname)
}

func (d *Device) Sysname() string { return d.sysname }

// snapshot returns the current actor snapshot; nil only before probe, which
// cannot happen for a published device.
func (d *Device) snapshot() *devstate.Snapshot {
	return d.actor.ReadSnapshot()
}

func (d *Device) Name() string {
	return d.snapshot().Pending.Name
}

func (d *Device) Model() string {
	return d.snapshot().Pending.Model
}

// Capabilities exposes the raw capability bitmap.
func (d *Device) Capabilities() uint32 {
	return uint32(d.snapshot().Caps.Flags)
}

// Profiles returns the child profile objects in slot order.
func (d *Device) Profiles() []*Profile {
	snap := d.snapshot()
	profiles := make([]*Profile, len(snap.Pending.Profiles))
	for i := range profiles {
		profiles[i] = &Profile{device: d, index: i}
	}
	return profiles
}

func (d *Device) Profile(index int) (*Profile, error) {
	snap := d.snapshot()
	if index < 0 || index >= len(snap.Pending.Profiles) {
		return nil, fmt.Errorf("%w: profile %d", ErrNotFound, index)
	}
	return &Profile{device: d, index: index}, nil
}

// Commit flushes pending state to the device. Unlike mutations it awaits
// the actor's result, so the caller learns about hardware failures.
func (d *Device) Commit(ctx context.Context) error {
	return d.actor.Commit(ctx)
}

// Reload re-reads everything from the device, clearing a fault.
func (d *Device) Reload(ctx context.Context) error {
	return d.actor.Reload(ctx)
}

// submit validates a mutation at the adapter boundary and enqueues it.
// Success means enqueued, not applied; the actor applies strictly in FIFO
// order, so a subsequent read observes the mutation once applied.
func (d *Device) submit(m devstate.Mutation) error {
	snap := d.snapshot()
	if err := devstate.Validate(m, snap.Caps, &snap.Pending); err != nil {
		return err
	}
	reply, err := d.actor.Mutate(m)
	if err != nil {
		return err
	}
	go func() {
		if err := <-reply; err != nil {
			d.log.Warn("queued mutation rejected by actor",
				zap.String("sysname", d.sysname), zap.Error(err))
		}
	}()
	return nil
}

func (d *Device) profileState(index int) devstate.Profile {
	return d.snapshot().Pending.Profiles[index]
}
