// Package actor runs the per-device task that owns all hardware I/O and
// state mutation for one device. Commands arrive through a bounded FIFO
// queue; the actor executes them one at a time, so a device never sees
// interleaved traffic.
package actor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/driver"
	"github.com/rodentd/rodentd/internal/hidio"
)

var (
	// ErrBusy reports a full command queue; the caller may retry.
	ErrBusy = errors.New("command queue full")
	// ErrFaulted reports a device stuck after a partial commit; only Reload
	// clears it.
	ErrFaulted = errors.New("device faulted, reload required")
	// ErrGone reports an actor that has already terminated.
	ErrGone = errors.New("device gone")
)

// Phase is the actor lifecycle state.
type Phase int32

const (
	PhaseSpawned Phase = iota
	PhaseProbing
	PhaseReady
	PhaseBusy
	PhaseDisconnecting
	PhaseFaulted
	PhaseGone
)

func (p Phase) String() string {
	switch p {
	case PhaseSpawned:
		return "spawned"
	case PhaseProbing:
		return "probing"
	case PhaseReady:
		return "ready"
	case PhaseBusy:
		return "busy"
	case PhaseDisconnecting:
		return "disconnecting"
	case PhaseFaulted:
		return "faulted"
	case PhaseGone:
		return "gone"
	}
	return "unknown"
}

const queueCapacity = 64

type command struct {
	mutate   devstate.Mutation
	commit   bool
	reload   bool
	shutdown bool
	reply    chan error
}

// Actor owns one device's I/O channel, driver instance and canonical state.
type Actor struct {
	log      *zap.Logger
	identity devstate.Device
	drv      driver.Driver
	io       *hidio.DeviceIo

	state    *devstate.State
	snapshot atomic.Pointer[devstate.Snapshot]
	phase    atomic.Int32

	cmds  chan command
	done  chan struct{}
	ready chan struct{}
}

// New builds an actor in the Spawned phase. No hardware is touched until
// Run is called.
func New(log *zap.Logger, identity devstate.Device, drv driver.Driver, io *hidio.DeviceIo) *Actor {
	return &Actor{
		log:      log,
		identity: identity,
		drv:      drv,
		io:       io,
		cmds:     make(chan command, queueCapacity),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
}

// Done is closed once the actor reaches Gone.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Ready is closed once probe and the initial profile load succeed.
func (a *Actor) Ready() <-chan struct{} { return a.ready }

func (a *Actor) Phase() Phase { return Phase(a.phase.Load()) }

func (a *Actor) Sysname() string { return a.identity.Sysname }

// ReadSnapshot returns the latest published snapshot without touching the
// command queue. It never fails; before probe completes it returns nil.
func (a *Actor) ReadSnapshot() *devstate.Snapshot {
	return a.snapshot.Load()
}

// Mutate enqueues a state mutation. The call returns once the command is
// queued; validation failures are reported through the returned channel,
// which callers are free to ignore.
func (a *Actor) Mutate(m devstate.Mutation) (<-chan error, error) {
	return a.submit(command{mutate: m})
}

// Commit enqueues a commit and waits for its result.
func (a *Actor) Commit(ctx context.Context) error {
	return a.submitWait(ctx, command{commit: true})
}

// Reload enqueues a reload and waits for its result.
func (a *Actor) Reload(ctx context.Context) error {
	return a.submitWait(ctx, command{reload: true})
}

// Shutdown asks the actor to drain and exit. Safe to call more than once.
func (a *Actor) Shutdown() {
	select {
	case <-a.done:
	default:
		// Shutdown must never be rejected for a full queue; unlike submit it
		// waits for queue space or for the actor to finish.
		select {
		case a.cmds <- command{shutdown: true, reply: make(chan error, 1)}:
		case <-a.done:
		}
	}
}

func (a *Actor) submit(cmd command) (<-chan error, error) {
	cmd.reply = make(chan error, 1)
	select {
	case <-a.done:
		return nil, ErrGone
	default:
	}
	select {
	case a.cmds <- cmd:
		return cmd.reply, nil
	default:
		return nil, ErrBusy
	}
}

func (a *Actor) submitWait(ctx context.Context, cmd command) error {
	reply, err := a.submit(cmd)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-reply:
		return err
	}
}

// Run drives the actor to completion: probe, load, then the command loop.
// It returns after the actor reaches Gone. Probe failures are returned so
// the supervisor can log and withdraw the device.
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.done)
	defer a.phase.Store(int32(PhaseGone))
	defer a.io.Close()

	a.phase.Store(int32(PhaseProbing))
	caps, err := a.drv.Probe(ctx, a.io)
	if err != nil {
		a.drain()
		return fmt.Errorf("probe failed for %s: %w", a.identity.Sysname, err)
	}
	profiles, err := a.drv.LoadProfiles(ctx, a.io, caps)
	if err != nil {
		a.drain()
		return fmt.Errorf("initial profile load failed for %s: %w", a.identity.Sysname, err)
	}
	dev := a.identity.Clone()
	dev.Profiles = profiles
	a.state = devstate.New(caps, dev)
	a.snapshot.Store(a.state.Snapshot())
	a.phase.Store(int32(PhaseReady))
	close(a.ready)
	a.log.Info("device ready",
		zap.String("sysname", a.identity.Sysname),
		zap.String("driver", a.drv.Name()),
		zap.Int("profiles", len(profiles)))

	go a.consumeEvents(ctx)

	for {
		select {
		case <-ctx.Done():
			a.drain()
			return nil
		case cmd := <-a.cmds:
			if cmd.shutdown {
				cmd.reply <- nil
				a.phase.Store(int32(PhaseDisconnecting))
				a.drain()
				return nil
			}
			if disconnected := a.execute(ctx, cmd); disconnected {
				a.phase.Store(int32(PhaseDisconnecting))
				a.drain()
				return nil
			}
		}
	}
}

// consumeEvents drains the side channel of unsolicited device reports.
func (a *Actor) consumeEvents(ctx context.Context) {
	for {
		report, err := a.io.NextEvent(ctx)
		if err != nil {
			return
		}
		a.log.Debug("device event",
			zap.String("sysname", a.identity.Sysname),
			zap.Int("len", len(report)))
	}
}

// drain fails every queued command with Disconnected.
func (a *Actor) drain() {
	for {
		select {
		case cmd := <-a.cmds:
			cmd.reply <- hidio.ErrDisconnected
		default:
			return
		}
	}
}

// execute runs one command. The return value reports a fatal I/O loss that
// must tear the actor down.
func (a *Actor) execute(ctx context.Context, cmd command) (disconnected bool) {
	faulted := a.Phase() == PhaseFaulted
	a.phase.Store(int32(PhaseBusy))
	defer func() {
		if !disconnected {
			if faulted {
				a.phase.Store(int32(PhaseFaulted))
			} else {
				a.phase.Store(int32(PhaseReady))
			}
		}
	}()

	switch {
	case cmd.mutate != nil:
		if faulted {
			cmd.reply <- ErrFaulted
			return false
		}
		err := a.state.Apply(cmd.mutate)
		if err != nil {
			a.log.Warn("mutation rejected",
				zap.String("sysname", a.identity.Sysname), zap.Error(err))
		} else {
			a.snapshot.Store(a.state.Snapshot())
		}
		cmd.reply <- err
		return false

	case cmd.commit:
		if faulted {
			cmd.reply <- ErrFaulted
			return false
		}
		err := a.runCommit(ctx)
		a.snapshot.Store(a.state.Snapshot())
		var partial *driver.PartialCommitError
		if errors.As(err, &partial) {
			faulted = true
			a.phase.Store(int32(PhaseFaulted))
		}
		cmd.reply <- err
		return errors.Is(err, hidio.ErrDisconnected)

	case cmd.reload:
		profiles, err := a.drv.LoadProfiles(ctx, a.io, a.state.Caps())
		if err != nil {
			cmd.reply <- err
			return errors.Is(err, hidio.ErrDisconnected)
		}
		dev := a.identity.Clone()
		dev.Profiles = profiles
		a.state.Reload(dev)
		a.snapshot.Store(a.state.Snapshot())
		faulted = false
		a.phase.Store(int32(PhaseReady))
		cmd.reply <- nil
		return false
	}

	cmd.reply <- nil
	return false
}

func (a *Actor) runCommit(ctx context.Context) error {
	diff := a.state.Diff()
	if diff.Empty() {
		return nil
	}
	snap := a.state.Snapshot()
	err := a.drv.Commit(ctx, a.io, &snap.Pending, diff)
	if err == nil {
		a.state.CommitSuccess()
		return nil
	}
	var partial *driver.PartialCommitError
	if errors.As(err, &partial) {
		unknown := devstate.SubtractDiff(diff, partial.Written)
		a.state.CommitPartialFailure(unknown)
		a.log.Error("partial commit",
			zap.String("sysname", a.identity.Sysname),
			zap.Int("unknownSubtrees", len(unknown)),
			zap.Error(err))
		return err
	}
	// Protocol errors keep the pending state so the caller can amend and
	// retry.
	return err
}
