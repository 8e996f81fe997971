// Package poller keeps one accessory's leak state fresh by polling its HTTP
// endpoint on a fixed rate.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/jsonpath"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/observability"
)

// Sink receives everything a poller publishes for its accessory.
type Sink interface {
	SetLeakDetected(ctx context.Context, acc *model.Accessory, leak bool) error
	SetIdentityInfo(ctx context.Context, acc *model.Accessory, info model.IdentityInfo) error
}

// Deps are shared by every poller of the adapter.
type Deps struct {
	Fetcher   Fetcher
	Sink      Sink
	Scheduler Scheduler
}

func (d Deps) New(acc model.Accessory, device model.DeviceConfig) *Poller {
	return New(acc, device, d)
}

type Poller struct {
	acc    model.Accessory
	device model.DeviceConfig
	deps   Deps
	tracer oteltrace.Tracer

	startOnce sync.Once
	cancel    func()
	stopped   atomic.Bool

	seq          atomic.Uint64
	publishMu    sync.Mutex
	publishedSeq uint64
}

func New(acc model.Accessory, device model.DeviceConfig, deps Deps) *Poller {
	return &Poller{
		acc:    acc,
		device: device,
		deps:   deps,
		tracer: otel.Tracer("http-leak-adapter/poller"),
	}
}

// Start publishes identity info, polls once right away and then every
// UpdateInterval. ctx bounds every poll, including ones still in flight
// after Stop.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		if err := p.deps.Sink.SetIdentityInfo(ctx, &p.acc, p.device.Info()); err != nil {
			slog.Warn("leak identity info publish failed", "device", p.device.Name, "error", err)
		}
		go p.Poll(ctx)

		interval := p.device.Interval()
		if interval <= 0 {
			slog.Warn("leak poller has no valid update interval, polling once", "device", p.device.Name, "update_interval", p.device.UpdateInterval)
			return
		}
		p.cancel = p.deps.Scheduler.Every(interval, func() { p.Poll(ctx) })
		slog.Debug("leak poller started", "device", p.device.Name, "interval", interval)
	})
}

// Stop cancels the schedule. A poll already running finishes but its result
// is discarded. A publish already handed to the sink completes before Stop
// returns, so nothing reaches the sink afterwards.
func (p *Poller) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	// Wait out a publish already handed to the sink.
	p.publishMu.Lock()
	p.publishMu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	slog.Debug("leak poller stopped", "device", p.device.Name)
}

// Poll runs one fetch, extract and publish cycle. It never panics and never
// returns an error: failures are logged and the cycle ends without a publish.
func (p *Poller) Poll(ctx context.Context) {
	seq := p.seq.Add(1)
	ctx, span := p.tracer.Start(ctx, "leak.poll", oteltrace.WithAttributes(
		attribute.String("leak.device", p.device.Name),
		attribute.String("leak.identity", p.acc.Identity.String()),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			slog.Info("an error occurred when getting readings", "device", p.device.Name, "error", fmt.Sprint(r))
			span.SetStatus(codes.Error, "panic")
			observability.PollsTotal.WithLabelValues("error").Inc()
		}
	}()

	leak, ok, err := p.read(ctx)
	if err != nil {
		slog.Info("an error occurred when getting readings", "device", p.device.Name, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.PollsTotal.WithLabelValues("error").Inc()
		return
	}
	if !ok {
		return
	}
	span.SetAttributes(attribute.Bool("leak.detected", leak))
	p.publish(ctx, seq, leak)
}

// read reports ok=false when there is nothing to publish this cycle.
func (p *Poller) read(ctx context.Context) (leak, ok bool, err error) {
	doc, err := p.deps.Fetcher.Fetch(ctx, p.device.Endpoint)
	if err != nil {
		return false, false, err
	}
	if !p.device.HasSensor() {
		observability.PollsTotal.WithLabelValues("no_sensor").Inc()
		return false, false, nil
	}

	key := p.device.Status.StatusKey()
	value, found := jsonpath.Extract(doc, key)
	if !found {
		slog.Debug("leak status key not found", "device", p.device.Name, "key", key)
		observability.PollsTotal.WithLabelValues("miss").Inc()
		return false, false, nil
	}
	s, err := jsonpath.StringOf(value)
	if err != nil {
		return false, false, fmt.Errorf("status key %q: %w", key, err)
	}
	return strings.EqualFold(s, p.device.Status.ExpectedLeakValue()), true, nil
}

// publish forwards a reading unless the poller was stopped or a poll started
// later has already published.
func (p *Poller) publish(ctx context.Context, seq uint64, leak bool) {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()
	if p.stopped.Load() {
		observability.PollsTotal.WithLabelValues("discarded").Inc()
		return
	}
	if seq < p.publishedSeq {
		slog.Debug("leak reading superseded", "device", p.device.Name, "seq", seq, "published_seq", p.publishedSeq)
		observability.PollsTotal.WithLabelValues("discarded").Inc()
		return
	}
	p.publishedSeq = seq
	if err := p.deps.Sink.SetLeakDetected(ctx, &p.acc, leak); err != nil {
		slog.Info("leak state publish failed", "device", p.device.Name, "error", err)
		observability.PollsTotal.WithLabelValues("error").Inc()
		return
	}
	observability.PollsTotal.WithLabelValues("published").Inc()
	observability.StatePublished.WithLabelValues(strconv.FormatBool(leak)).Inc()
}
