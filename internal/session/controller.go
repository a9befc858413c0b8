// Package session turns a stream of rowing metrics into recorded workouts:
// it opens a FIT session, samples data points into a store, and on end
// encodes the activity and hands it to a sink.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/rowbridge/internal/fit"
	"github.com/chaz8081/rowbridge/internal/metrics"
)

// ErrUnknownSession is returned for a handle that was never started or has
// already ended.
var ErrUnknownSession = errors.New("session: unknown session")

// Handle identifies an open session.
type Handle string

// Sink receives finished FIT activity files.
type Sink interface {
	// WriteActivity stores data and returns where it went.
	WriteActivity(ctx context.Context, id string, start time.Time, data []byte) (string, error)
}

// Store persists sessions and periodic data points.
type Store interface {
	CreateSession(ctx context.Context, id string, sport fit.Sport, start time.Time) error
	AddDataPoint(ctx context.Context, id string, m metrics.RowingMetrics) error
	CompleteSession(ctx context.Context, s *fit.Session) error
}

// Options configures a Controller.
type Options struct {
	Sport fit.Sport
	// RecordInterval is the minimum spacing of data points written to the
	// store. Zero stores every frame.
	RecordInterval time.Duration
	Creator        fit.Creator
}

// DefaultOptions records a rowing session with a data point every 5s.
func DefaultOptions() Options {
	return Options{
		Sport:          fit.SportRowing,
		RecordInterval: 5 * time.Second,
		Creator:        fit.DefaultCreator,
	}
}

type active struct {
	fit        *fit.Session
	lastStored time.Time
}

// Controller owns the open sessions. Sink and Store are optional.
type Controller struct {
	sink  Sink
	store Store
	opts  Options
	now   func() time.Time

	mu       sync.Mutex
	sessions map[Handle]*active
}

// NewController returns a Controller writing to sink and store; either may
// be nil.
func NewController(sink Sink, store Store, opts Options) *Controller {
	if opts.Creator == (fit.Creator{}) {
		opts.Creator = fit.DefaultCreator
	}
	return &Controller{
		sink:     sink,
		store:    store,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[Handle]*active),
	}
}

// Start opens a new session.
func (c *Controller) Start(ctx context.Context) (Handle, error) {
	id := uuid.NewString()
	s := fit.NewSession(id, c.opts.Sport, c.now())

	if c.store != nil {
		if err := c.store.CreateSession(ctx, id, s.Sport, s.StartTime); err != nil {
			return "", fmt.Errorf("session: create %s: %w", id, err)
		}
	}

	c.mu.Lock()
	c.sessions[Handle(id)] = &active{fit: s}
	c.mu.Unlock()
	slog.Info("[SESSION] started", "id", id)
	return Handle(id), nil
}

// Record adds m to the session. Store failures are logged and do not stop
// recording.
func (c *Controller) Record(ctx context.Context, h Handle, m metrics.RowingMetrics) error {
	c.mu.Lock()
	a, ok := c.sessions[h]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, h)
	}
	// Raw-only frames reach neither the FIT file nor the store.
	recorded := a.fit.Append(m)
	store := recorded && c.store != nil &&
		(a.lastStored.IsZero() || m.Time().Sub(a.lastStored) >= c.opts.RecordInterval)
	if store {
		a.lastStored = m.Time()
	}
	c.mu.Unlock()

	if store {
		if err := c.store.AddDataPoint(ctx, string(h), m); err != nil {
			slog.Warn("[SESSION] data point not stored", "id", h, "error", err)
		}
	}
	return nil
}

// End closes the session, computes its aggregates, and writes it out. The
// finished session is returned even when persisting it fails.
func (c *Controller) End(ctx context.Context, h Handle) (*fit.Session, error) {
	c.mu.Lock()
	a, ok := c.sessions[h]
	delete(c.sessions, h)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, h)
	}

	s := a.fit
	s.Finalize(c.now())
	slog.Info("[SESSION] ended", "id", s.ID,
		"duration", s.Duration().Round(time.Second),
		"records", len(s.Records),
		"distance_m", s.TotalDistance)

	var errs []error
	if c.store != nil {
		if err := c.store.CompleteSession(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("session: complete %s: %w", s.ID, err))
		}
	}
	if c.sink != nil {
		data, err := fit.EncodeWithCreator(s, c.opts.Creator)
		if err != nil {
			errs = append(errs, fmt.Errorf("session: encode %s: %w", s.ID, err))
		} else if where, err := c.sink.WriteActivity(ctx, s.ID, s.StartTime, data); err != nil {
			errs = append(errs, fmt.Errorf("session: write activity %s: %w", s.ID, err))
		} else {
			slog.Info("[FIT] activity written", "id", s.ID, "path", where, "bytes", len(data))
		}
	}
	return s, errors.Join(errs...)
}

// Open returns the number of sessions not yet ended.
func (c *Controller) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Run records every value from in into h until in closes or ctx ends.
func (c *Controller) Run(ctx context.Context, h Handle, in <-chan metrics.RowingMetrics) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return nil
			}
			if err := c.Record(ctx, h, m); err != nil {
				return err
			}
		}
	}
}
