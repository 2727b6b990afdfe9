package circ

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// EventSink receives circulation lifecycle events. Implementations must not
// block request handling; publish failures are theirs to log.
type EventSink interface {
	Publish(ctx context.Context, eventType string, fields map[string]string)
}

// Dispatcher routes each circulation request to the adapter bound to the
// collection that owns the requested title. It performs no protocol logic
// itself. The collection map is built once per configuration load and is
// read-only for the lifetime of the process.
type Dispatcher struct {
	adapters map[string]VendorAPI
	metrics  *Metrics
	events   EventSink
	logger   *slog.Logger
	tracer   trace.Tracer
}

type DispatcherOption func(*Dispatcher)

func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithEventSink(sink EventSink) DispatcherOption {
	return func(d *Dispatcher) { d.events = sink }
}

func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher builds a dispatcher over a collection→adapter binding. Every
// configured collection has exactly one adapter.
func NewDispatcher(adapters map[string]VendorAPI, opts ...DispatcherOption) (*Dispatcher, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("dispatcher requires at least one collection binding")
	}
	d := &Dispatcher{
		adapters: adapters,
		logger:   slog.Default(),
		tracer:   otel.Tracer("circulation/dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Collections returns the collection names this dispatcher can route to.
func (d *Dispatcher) Collections() []string {
	names := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) adapter(collection string) (VendorAPI, error) {
	api, ok := d.adapters[collection]
	if !ok {
		return nil, NewError(KindConfiguration, "dispatcher",
			fmt.Sprintf("no adapter bound to collection %q", collection), nil)
	}
	return api, nil
}

func (d *Dispatcher) Checkout(ctx context.Context, collection string, p PatronCredentials, id Identifier) (*LoanInfo, error) {
	api, err := d.adapter(collection)
	if err != nil {
		return nil, err
	}
	var loan *LoanInfo
	err = d.instrument(ctx, api.Vendor(), "checkout", func(ctx context.Context) error {
		var opErr error
		loan, opErr = api.Checkout(ctx, p, id)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	d.publish(ctx, "circulation.checkout", collection, p, id)
	return loan, nil
}

func (d *Dispatcher) Checkin(ctx context.Context, collection string, p PatronCredentials, id Identifier) error {
	api, err := d.adapter(collection)
	if err != nil {
		return err
	}
	err = d.instrument(ctx, api.Vendor(), "checkin", func(ctx context.Context) error {
		return api.Checkin(ctx, p, id)
	})
	if err != nil {
		return err
	}
	d.publish(ctx, "circulation.checkin", collection, p, id)
	return nil
}

func (d *Dispatcher) PlaceHold(ctx context.Context, collection string, p PatronCredentials, id Identifier) (*HoldInfo, error) {
	api, err := d.adapter(collection)
	if err != nil {
		return nil, err
	}
	var hold *HoldInfo
	err = d.instrument(ctx, api.Vendor(), "place_hold", func(ctx context.Context) error {
		var opErr error
		hold, opErr = api.PlaceHold(ctx, p, id)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	d.publish(ctx, "circulation.hold_placed", collection, p, id)
	return hold, nil
}

func (d *Dispatcher) ReleaseHold(ctx context.Context, collection string, p PatronCredentials, id Identifier) error {
	api, err := d.adapter(collection)
	if err != nil {
		return err
	}
	err = d.instrument(ctx, api.Vendor(), "release_hold", func(ctx context.Context) error {
		return api.ReleaseHold(ctx, p, id)
	})
	if err != nil {
		return err
	}
	d.publish(ctx, "circulation.hold_released", collection, p, id)
	return nil
}

func (d *Dispatcher) Fulfill(ctx context.Context, collection string, p PatronCredentials, id Identifier) (*FulfillmentInfo, error) {
	api, err := d.adapter(collection)
	if err != nil {
		return nil, err
	}
	var f *FulfillmentInfo
	err = d.instrument(ctx, api.Vendor(), "fulfill", func(ctx context.Context) error {
		var opErr error
		f, opErr = api.Fulfill(ctx, p, id)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	d.publish(ctx, "circulation.fulfill", collection, p, id)
	return f, nil
}

// PatronActivity fans out across the given collections concurrently and merges
// the results. A single failing vendor fails the sync; partial pictures would
// otherwise delete loans that still exist remotely.
func (d *Dispatcher) PatronActivity(ctx context.Context, collections []string, p PatronCredentials) ([]Activity, error) {
	results := make([][]Activity, len(collections))
	g, gctx := errgroup.WithContext(ctx)
	for i, collection := range collections {
		api, err := d.adapter(collection)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			var opErr error
			opErr = d.instrument(gctx, api.Vendor(), "patron_activity", func(ctx context.Context) error {
				var inner error
				results[i], inner = api.PatronActivity(ctx, p)
				return inner
			})
			return opErr
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Activity
	for _, part := range results {
		merged = append(merged, part...)
	}
	return merged, nil
}

func (d *Dispatcher) instrument(ctx context.Context, vendor, operation string, fn func(ctx context.Context) error) error {
	ctx, span := d.tracer.Start(ctx, "circ."+operation,
		trace.WithAttributes(attribute.String("vendor", vendor)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	d.metrics.ObserveOperation(vendor, operation, time.Since(start), err)

	if err != nil {
		span.SetAttributes(attribute.String("error.kind", string(KindOf(err))))
		d.logger.Warn("vendor operation failed",
			"vendor", vendor, "operation", operation, "kind", KindOf(err), "error", err)
	}
	return err
}

func (d *Dispatcher) publish(ctx context.Context, eventType, collection string, p PatronCredentials, id Identifier) {
	if d.events == nil {
		return
	}
	d.events.Publish(ctx, eventType, map[string]string{
		"collection": collection,
		"identifier": id.String(),
		"patron":     fmt.Sprintf("%d", p.PatronID),
	})
}
