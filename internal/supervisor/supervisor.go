// Package supervisor runs the discovery pipeline: hotplug events are matched
// against the device database, matching devices get an actor spawned around
// their hidraw node, and the bus adapter is told when devices come and go.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/actor"
	"github.com/rodentd/rodentd/internal/devicedb"
	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/driver"
	"github.com/rodentd/rodentd/internal/hidio"
	"github.com/rodentd/rodentd/internal/hotplug"
)

// Listener is notified as devices appear on and vanish from the object
// tree. Publication happens only after a successful probe.
type Listener interface {
	DevicePublished(sysname string, a *actor.Actor)
	DeviceWithdrawn(sysname string)
}

// KnownDevice is the persisted record of a device the daemon has seen.
type KnownDevice struct {
	Sysname     string    `json:"sysname"`
	Name        string    `json:"name"`
	Model       string    `json:"model"`
	Driver      string    `json:"driver"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

type trackedActor struct {
	actor  *actor.Actor
	cancel context.CancelFunc
}

// OpenFunc opens the raw-HID channel for a device node. Injectable so tests
// can synthesise devices without kernel nodes.
type OpenFunc func(log *zap.Logger, path string) (*hidio.DeviceIo, error)

var defaultOptions = serviceOptions{
	openIo: hidio.Open,
}

type serviceOptions struct {
	openIo OpenFunc
}

type Option func(*serviceOptions)

func WithOpenFunc(open OpenFunc) Option {
	return func(o *serviceOptions) {
		o.openIo = open
	}
}

// Service consumes hotplug events and owns every device actor.
type Service struct {
	log      *zap.Logger
	db       *badger.DB
	devdb    *devicedb.DB
	registry *driver.Registry
	events   *hotplug.Bus
	listener Listener
	now      func() time.Time
	options  serviceOptions

	actors *xsync.MapOf[string, *trackedActor]
	// pending holds a re-add of a sysname whose previous actor is still
	// draining (rapid unplug/replug).
	pending *xsync.MapOf[string, hotplug.Event]

	ready chan struct{}
}

func New(log *zap.Logger, db *badger.DB, devdb *devicedb.DB, registry *driver.Registry, events *hotplug.Bus, listener Listener, now func() time.Time, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		log:      log,
		db:       db,
		devdb:    devdb,
		registry: registry,
		events:   events,
		listener: listener,
		now:      now,
		options:  options,
		actors:   xsync.NewMapOf[string, *trackedActor](),
		pending:  xsync.NewMapOf[string, hotplug.Event](),
		ready:    make(chan struct{}),
	}
}

func (s *Service) Ready() <-chan struct{} { return s.ready }

// Start consumes hotplug events until ctx is cancelled, then shuts every
// actor down.
func (s *Service) Start(ctx context.Context) error {
	ch := s.events.Subscribe(ctx)
	close(s.ready)
	s.log.Info("supervisor started")

	for {
		select {
		case <-ctx.Done():
			s.shutdownAll()
			return nil
		case msg, ok := <-ch:
			if !ok {
				s.shutdownAll()
				return nil
			}
			s.handleEvent(ctx, msg.Message)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, event hotplug.Event) {
	switch event.Type {
	case hotplug.DeviceAdded:
		s.handleAdd(ctx, event)
	case hotplug.DeviceRemoved:
		s.handleRemove(event.Sysname)
	}
}

func (s *Service) handleAdd(ctx context.Context, event hotplug.Event) {
	if tracked, ok := s.actors.Load(event.Sysname); ok {
		// Rapid replug: hold the event until the old actor is gone.
		s.log.Debug("holding re-add until previous actor drains",
			zap.String("sysname", event.Sysname))
		s.pending.Store(event.Sysname, event)
		go func() {
			<-tracked.actor.Done()
			if held, ok := s.pending.LoadAndDelete(event.Sysname); ok {
				select {
				case <-ctx.Done():
				default:
					s.handleAdd(ctx, held)
				}
			}
		}()
		return
	}

	bus := devicedb.BusTypeFromNumber(event.Bustype)
	entry := s.devdb.Lookup(bus, event.Vendor, event.Product, event.Name)
	if entry == nil {
		s.log.Debug("ignoring unsupported device",
			zap.String("sysname", event.Sysname),
			zap.String("id", fmt.Sprintf("%s:%04x:%04x", bus, event.Vendor, event.Product)))
		return
	}
	s.log.Info("matched device",
		zap.String("sysname", event.Sysname),
		zap.String("name", entry.Name),
		zap.String("driver", entry.Driver))

	drv, err := s.registry.New(entry.Driver, driver.Options{
		Log:    s.log.Named(entry.Driver),
		Quirks: entry.Quirks,
		Hints:  entry.Hints,
	})
	if err != nil {
		s.log.Error("driver unavailable", zap.String("driver", entry.Driver), zap.Error(err))
		return
	}

	io, err := s.options.openIo(s.log.Named("hidio"), event.Devnode)
	if err != nil {
		s.log.Error("failed to open device node",
			zap.String("devnode", event.Devnode), zap.Error(err))
		return
	}

	identity := devstate.Device{
		Sysname: event.Sysname,
		Name:    entry.Name,
		Model:   fmt.Sprintf("%s:%04x:%04x:0", bus, event.Vendor, event.Product),
	}
	a := actor.New(s.log.Named("actor"), identity, drv, io)

	actorCtx, cancel := context.WithCancel(ctx)
	tracked := &trackedActor{actor: a, cancel: cancel}
	s.actors.Store(event.Sysname, tracked)

	if err := s.recordDevice(identity, entry.Driver); err != nil {
		s.log.Warn("failed to persist device record", zap.Error(err))
	}

	go func() {
		if err := a.Run(actorCtx); err != nil {
			s.log.Warn("actor terminated", zap.String("sysname", event.Sysname), zap.Error(err))
		}
	}()
	go func() {
		select {
		case <-a.Ready():
			s.listener.DevicePublished(event.Sysname, a)
			// withdraw once the actor eventually dies
			<-a.Done()
			s.listener.DeviceWithdrawn(event.Sysname)
		case <-a.Done():
			// probe failed; nothing was published
		}
		if current, ok := s.actors.Load(event.Sysname); ok && current == tracked {
			s.actors.Delete(event.Sysname)
		}
		cancel()
	}()
}

func (s *Service) handleRemove(sysname string) {
	tracked, ok := s.actors.Load(sysname)
	if !ok {
		s.log.Debug("remove for untracked device", zap.String("sysname", sysname))
		return
	}
	tracked.actor.Shutdown()
	go func() {
		<-tracked.actor.Done()
		tracked.cancel()
		s.actors.Delete(sysname)
	}()
}

func (s *Service) shutdownAll() {
	s.actors.Range(func(sysname string, tracked *trackedActor) bool {
		tracked.actor.Shutdown()
		<-tracked.actor.Done()
		tracked.cancel()
		s.actors.Delete(sysname)
		return true
	})
}

// Actor returns the live actor for a sysname.
func (s *Service) Actor(sysname string) (*actor.Actor, bool) {
	tracked, ok := s.actors.Load(sysname)
	if !ok {
		return nil, false
	}
	return tracked.actor, true
}

func deviceKey(sysname string) []byte {
	return []byte("devices/" + sysname)
}

// recordDevice upserts the persistent record for a seen device.
func (s *Service) recordDevice(identity devstate.Device, driverName string) error {
	now := s.now()
	return s.db.Update(func(txn *badger.Txn) error {
		key := deviceKey(identity.Sysname)
		record := KnownDevice{
			Sysname: identity.Sysname,
			Name:    identity.Name,
			Model:   identity.Model,
			Driver:  driverName,
		}
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device record: %w", err)
			}
			record.Name = identity.Name
			record.Model = identity.Model
			record.Driver = driverName
		}
		if record.FirstSeenAt.IsZero() {
			record.FirstSeenAt = now
		}
		record.LastSeenAt = now
		b, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal device record: %w", err)
		}
		return txn.Set(key, b)
	})
}

// ListKnownDevices returns every device record the daemon has persisted.
func (s *Service) ListKnownDevices() ([]KnownDevice, error) {
	var devices []KnownDevice
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte("devices/")
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var record KnownDevice
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return err
			}
			devices = append(devices, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}
