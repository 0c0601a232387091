/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package worker drains the generation queue and drives the certificate
// engine. Each message is processed under its own tenant binding, so one
// worker pool serves every tenant.
//
// The queue is at-least-once, which makes outcome classification the
// worker's whole job: successful and unrecoverable deliveries leave the
// queue, transient failures go back for redelivery, and a message that
// spends its delivery budget is dead lettered after the certificate is
// marked FAILED.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/certificates"
	"github.com/vellumlabs/vellum/lib/defaults"
	"github.com/vellumlabs/vellum/lib/queue"
	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/utils"
)

// Processor renders certificate documents and records failures. The
// certificate engine implements it.
type Processor interface {
	// ProcessGeneration renders, fingerprints and stores one certificate.
	ProcessGeneration(ctx context.Context, id uuid.UUID, preview bool) (*certificates.Certificate, error)
	// MarkAsFailed records a failure on the certificate.
	MarkAsFailed(ctx context.Context, id uuid.UUID, message string) (*certificates.Certificate, error)
}

// Config configures a Worker.
type Config struct {
	// Processor handles the generation work.
	Processor Processor
	// Consumer supplies generation messages.
	Consumer queue.Consumer
	// Concurrency is how many messages are processed at once.
	Concurrency int
	// MaxDeliveries is the delivery budget. A message failing transiently on
	// its last budgeted delivery is dead lettered.
	MaxDeliveries int
	// ProcessTimeout bounds the handling of a single message. It should not
	// exceed the queue's visibility timeout or another consumer may pick the
	// message up mid-render.
	ProcessTimeout time.Duration
	// Clock is used for processing time measurements and receive backoff.
	Clock clockwork.Clock
	// Logger emits worker diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.Processor == nil:
		return trace.BadParameter("missing parameter Processor")
	case c.Consumer == nil:
		return trace.BadParameter("missing parameter Consumer")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.WorkerConcurrency
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = defaults.QueueMaxDeliveries
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = defaults.QueueVisibilityTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vellum.ComponentKey, vellum.ComponentWorker)
	}
	return nil
}

// Worker is a bounded pool of generation message handlers.
type Worker struct {
	cfg     Config
	metrics *workerMetrics

	semaphore chan struct{}
	closeC    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isClosing bool
}

// New returns a worker ready to Run.
func New(cfg Config) (*Worker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newWorkerMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Worker{
		cfg:       cfg,
		metrics:   metrics,
		semaphore: make(chan struct{}, cfg.Concurrency),
		closeC:    make(chan struct{}),
	}, nil
}

// Run receives and processes generation messages until the context is done
// or Close is called. In-flight messages run to completion either way.
func (w *Worker) Run(ctx context.Context) error {
	// Close can be called before Run starts; taking the waitgroup slot under
	// the same lock keeps Close from passing wg.Wait while Run is starting.
	w.mu.Lock()
	if w.isClosing {
		w.mu.Unlock()
		return nil
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	// The receive loop stops on Close, the parent context stays intact so
	// in-flight handlers can finish.
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.closeC:
			cancel()
		case <-recvCtx.Done():
		}
	}()

	w.cfg.Logger.InfoContext(ctx, "Generation worker ready.",
		"concurrency", w.cfg.Concurrency,
		"max_deliveries", w.cfg.MaxDeliveries)

	for {
		delivery, err := w.cfg.Consumer.Receive(recvCtx)
		if err != nil {
			if recvCtx.Err() != nil {
				return nil
			}
			w.metrics.receiveErrors.Inc()
			w.cfg.Logger.WarnContext(ctx, "Receiving generation messages failed.", "error", err)
			select {
			case <-recvCtx.Done():
				return nil
			case <-w.cfg.Clock.After(utils.HalfJitter(defaults.QueueWaitTime)):
			}
			continue
		}
		if delivery == nil {
			// Empty poll.
			continue
		}
		if err := w.takeSemaphore(recvCtx); err != nil {
			// Shutting down with a delivery in hand: hand it back so another
			// consumer picks it up without waiting out the visibility window.
			w.nack(context.WithoutCancel(ctx), delivery, w.cfg.Logger)
			return nil
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.releaseSemaphore()
			w.process(ctx, delivery)
		}()
	}
}

// Close stops the receive loop and waits for in-flight messages to finish.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.isClosing {
		w.mu.Unlock()
		return
	}
	w.isClosing = true
	w.mu.Unlock()

	close(w.closeC)
	w.wg.Wait()
}

// process classifies the outcome of one delivery. Successful and
// unrecoverable messages leave the queue, transient failures go back for
// redelivery until the delivery budget is spent.
func (w *Worker) process(ctx context.Context, delivery *queue.Delivery) {
	msg := delivery.Message
	logger := w.cfg.Logger.With(
		"certificate", msg.CertificateID,
		"tenant", msg.TenantSchema,
		"delivery_count", delivery.DeliveryCount)

	defer func() {
		if r := recover(); r != nil {
			w.metrics.panics.Inc()
			logger.ErrorContext(ctx, "Recovered from panic while processing generation message.", "panic", r)
			w.nack(ctx, delivery, logger)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.ProcessTimeout)
	defer cancel()
	tenantCtx, err := tenancy.WithSchema(ctx, msg.TenantSchema)
	if err != nil {
		// No valid tenant to retry against or record the failure in.
		w.metrics.dropped.Inc()
		logger.ErrorContext(ctx, "Dropping generation message with invalid tenant schema.", "error", err)
		w.ack(ctx, delivery, logger)
		return
	}
	ctx = tenantCtx

	start := w.cfg.Clock.Now()
	_, err = w.cfg.Processor.ProcessGeneration(ctx, msg.CertificateID, msg.IsPreview)
	w.metrics.processingSeconds.Observe(w.cfg.Clock.Since(start).Seconds())

	switch {
	case err == nil:
		w.metrics.processed.Inc()
		w.ack(ctx, delivery, logger)
	case trace.IsCompareFailed(err):
		// The certificate is in a state this delivery cannot advance:
		// revoked, completed by another delivery, or fingerprinted with
		// different bytes. The engine already recorded whatever there was
		// to record, so the message just leaves the queue.
		w.metrics.dropped.Inc()
		logger.InfoContext(ctx, "Dropping generation message for certificate this delivery cannot advance.", "error", err)
		w.ack(ctx, delivery, logger)
	case isPermanent(err):
		w.metrics.failed.Inc()
		logger.WarnContext(ctx, "Certificate generation failed permanently.", "error", err)
		w.markFailed(ctx, msg.CertificateID, err, logger)
		w.ack(ctx, delivery, logger)
	case delivery.DeliveryCount >= w.cfg.MaxDeliveries:
		w.metrics.deadLettered.Inc()
		logger.ErrorContext(ctx, "Certificate generation failed and the delivery budget is spent, dead lettering.", "error", err)
		w.markFailed(ctx, msg.CertificateID, err, logger)
		w.nack(ctx, delivery, logger)
	default:
		w.metrics.retried.Inc()
		logger.WarnContext(ctx, "Certificate generation failed, returning message for redelivery.", "error", err)
		w.nack(ctx, delivery, logger)
	}
}

// isPermanent reports whether redelivering the message cannot possibly
// succeed.
func isPermanent(err error) bool {
	return trace.IsBadParameter(err) || trace.IsNotFound(err) || tenancy.IsInvalidTenant(err)
}

// markFailed records the failure on the certificate so it does not sit
// PROCESSING forever. Best effort: the message-level outcome stands either
// way.
func (w *Worker) markFailed(ctx context.Context, id uuid.UUID, cause error, logger *slog.Logger) {
	if _, err := w.cfg.Processor.MarkAsFailed(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		logger.WarnContext(ctx, "Failed to record certificate failure.", "cause", cause, "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, delivery *queue.Delivery, logger *slog.Logger) {
	if err := delivery.Ack(context.WithoutCancel(ctx)); err != nil {
		logger.WarnContext(ctx, "Failed to ack generation message.", "error", err)
	}
}

func (w *Worker) nack(ctx context.Context, delivery *queue.Delivery, logger *slog.Logger) {
	if err := delivery.Nack(context.WithoutCancel(ctx)); err != nil {
		logger.WarnContext(ctx, "Failed to nack generation message.", "error", err)
	}
}

func (w *Worker) takeSemaphore(ctx context.Context) error {
	select {
	case w.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

func (w *Worker) releaseSemaphore() {
	<-w.semaphore
}

type workerMetrics struct {
	processed         prometheus.Counter
	retried           prometheus.Counter
	failed            prometheus.Counter
	dropped           prometheus.Counter
	deadLettered      prometheus.Counter
	receiveErrors     prometheus.Counter
	panics            prometheus.Counter
	processingSeconds prometheus.Histogram
}

func newWorkerMetrics() (*workerMetrics, error) {
	m := &workerMetrics{
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "worker_messages_processed_total",
			Help:      "Number of generation messages completing a render",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "worker_messages_retried_total",
			Help:      "Number of generation messages returned for redelivery",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "worker_messages_failed_total",
			Help:      "Number of generation messages failing permanently",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "worker_messages_dropped_total",
			Help:      "Number of generation messages dropped without advancing a certificate",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "worker_messages_dead_lettered_total",
			Help:      "Number of generation messages dead lettered after spending their delivery budget",
		}),
		receiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "worker_receive_errors_total",
			Help:      "Number of failed queue receives",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "worker_processing_panics_total",
			Help:      "Number of panics recovered while processing generation messages",
		}),
		processingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "worker_processing_seconds",
			Help:      "Time spent processing a single generation message",
			// lowest bucket 100ms, doubling up to ~205s, past the render
			// timeout so slow renders stay visible.
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	return m, trace.Wrap(utils.RegisterPrometheusCollectors(
		m.processed,
		m.retried,
		m.failed,
		m.dropped,
		m.deadLettered,
		m.receiveErrors,
		m.panics,
		m.processingSeconds,
	))
}
