// Package hidio owns the raw-HID channel for one device node. It serialises
// report traffic and correlates request/response pairs, redirecting
// unsolicited device-originated reports to a side channel.
package hidio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTimeout reports a single request attempt elapsing with no matching
	// response.
	ErrTimeout = errors.New("request timed out")
	// ErrUnresponsive reports a request failing after all retries.
	ErrUnresponsive = errors.New("device unresponsive")
	// ErrDisconnected reports the device node vanishing underneath us.
	ErrDisconnected = errors.New("device disconnected")
	// ErrErrorReply reports the device answering with a protocol-level error
	// response. The raw report is returned alongside for the driver to decode.
	ErrErrorReply = errors.New("device returned an error response")
)

// Conn is the transport a DeviceIo drives: the hidraw backend in production,
// an in-memory stub under test.
type Conn interface {
	io.ReadWriteCloser
	GetFeatureReport(reportID uint8) ([]byte, error)
	SetFeatureReport(data []byte) (int, error)
}

// Verdict classifies one incoming report against a pending request.
type Verdict int

const (
	// VerdictSkip routes the report to the event side channel.
	VerdictSkip Verdict = iota
	// VerdictMatch completes the request with this report.
	VerdictMatch
	// VerdictError fails the request immediately with ErrErrorReply.
	VerdictError
)

// Matcher decides whether an incoming report answers the pending request.
type Matcher func(report []byte) Verdict

const (
	maxReportLen = 4096

	defaultTimeout = 500 * time.Millisecond
	defaultRetries = 3

	backoffStart = 50 * time.Millisecond
	backoffCap   = 1 * time.Second
)

// RequestOptions tunes a single Request call. Zero values select defaults.
type RequestOptions struct {
	Timeout time.Duration
	Retries int
}

// DeviceIo wraps a Conn with a background reader. At most one Request may be
// in flight at a time; the per-device actor guarantees this by construction.
type DeviceIo struct {
	log  *zap.Logger
	conn Conn

	incoming chan []byte
	done     chan struct{}

	mu     sync.Mutex
	events []([]byte)
	notify chan struct{}

	closeOnce sync.Once
}

// New starts the reader goroutine for conn. The caller must Close the
// returned DeviceIo to release it.
func New(log *zap.Logger, conn Conn) *DeviceIo {
	d := &DeviceIo{
		log:      log,
		conn:     conn,
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
	go d.readLoop()
	return d
}

func (d *DeviceIo) readLoop() {
	defer close(d.incoming)
	buf := make([]byte, maxReportLen)
	for {
		n, err := d.conn.Read(buf)
		if err != nil {
			select {
			case <-d.done:
			default:
				d.log.Debug("read loop terminated", zap.Error(err))
			}
			return
		}
		if n == 0 {
			continue
		}
		report := make([]byte, n)
		copy(report, buf[:n])
		select {
		case d.incoming <- report:
		case <-d.done:
			return
		}
	}
}

// Close stops the reader and releases the underlying device node.
func (d *DeviceIo) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.conn.Close()
	})
	return err
}

// WriteReport sends a raw HID report. Bytes go on the wire exactly as given.
func (d *DeviceIo) WriteReport(report []byte) error {
	if _, err := d.conn.Write(report); err != nil {
		return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
	}
	d.log.Debug("tx report", zap.Int("len", len(report)))
	return nil
}

// ReadReport returns the next incoming report, bypassing request matching.
// Only used by drivers that never interleave requests and events.
func (d *DeviceIo) ReadReport(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case report, ok := <-d.incoming:
		if !ok {
			return nil, ErrDisconnected
		}
		return report, nil
	}
}

// FeatureReportGet fetches a feature report via the HIDIOCGFEATURE ioctl.
func (d *DeviceIo) FeatureReportGet(reportID uint8) ([]byte, error) {
	data, err := d.conn.GetFeatureReport(reportID)
	if err != nil {
		return nil, fmt.Errorf("%w: get feature report %#02x: %v", ErrDisconnected, reportID, err)
	}
	return data, nil
}

// FeatureReportSet writes a feature report. data[0] must hold the report ID.
func (d *DeviceIo) FeatureReportSet(data []byte) error {
	if _, err := d.conn.SetFeatureReport(data); err != nil {
		return fmt.Errorf("%w: set feature report: %v", ErrDisconnected, err)
	}
	return nil
}

// Request submits an outgoing report and waits for a response accepted by the
// matcher. Reports the matcher skips are delivered to the event side channel
// exactly once. Each attempt is bounded by opts.Timeout; attempts are
// retried with exponential backoff until opts.Retries is exhausted, after
// which the request fails with ErrUnresponsive.
func (d *DeviceIo) Request(ctx context.Context, report []byte, match Matcher, opts RequestOptions) ([]byte, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = defaultRetries
	}

	backoff := backoffStart
	for attempt := 1; ; attempt++ {
		resp, err := d.attempt(ctx, report, match, timeout)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrTimeout):
			if attempt > retries {
				return nil, fmt.Errorf("%w after %d attempts", ErrUnresponsive, attempt)
			}
			d.log.Debug("request attempt timed out", zap.Int("attempt", attempt))
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		default:
			return resp, err
		}
	}
}

func (d *DeviceIo) attempt(ctx context.Context, report []byte, match Matcher, timeout time.Duration) ([]byte, error) {
	if err := d.WriteReport(report); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrTimeout
		case resp, ok := <-d.incoming:
			if !ok {
				return nil, ErrDisconnected
			}
			switch match(resp) {
			case VerdictMatch:
				return resp, nil
			case VerdictError:
				return resp, ErrErrorReply
			default:
				d.pushEvent(resp)
			}
		}
	}
}

func (d *DeviceIo) pushEvent(report []byte) {
	d.mu.Lock()
	d.events = append(d.events, report)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// NextEvent returns the oldest unsolicited report, blocking until one
// arrives or ctx is cancelled. Events are never dropped or duplicated.
func (d *DeviceIo) NextEvent(ctx context.Context) ([]byte, error) {
	for {
		d.mu.Lock()
		if len(d.events) > 0 {
			report := d.events[0]
			d.events = d.events[1:]
			d.mu.Unlock()
			return report, nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.done:
			return nil, ErrDisconnected
		case <-d.notify:
		}
	}
}

// PendingEvents reports how many unsolicited reports are queued.
func (d *DeviceIo) PendingEvents() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}
