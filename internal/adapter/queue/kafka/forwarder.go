package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/eventpipe/internal/adapter/observability"
	"github.com/fairyhunter13/eventpipe/internal/config"
	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// TaskDispatcher is the slice of the task queue the forwarder needs.
type TaskDispatcher interface {
	EnqueuePostProcessGroup(ctx context.Context, t domain.PostProcessGroupTask) error
}

// OptionReader reads global runtime toggles.
type OptionReader interface {
	Option(name string) bool
}

// ForwarderConfig tunes one forwarder worker.
type ForwarderConfig struct {
	// Entity selects which messages this worker claims: all, errors or
	// transactions.
	Entity string
	// Concurrency bounds in-flight decode+dispatch goroutines.
	Concurrency int
	// EnqueueMaxTries bounds enqueue retries per message.
	EnqueueMaxTries uint64
}

// Future is the handle for one message's in-flight decode and dispatch. The
// error, if any, surfaces when the batch completes.
type Future struct {
	done chan struct{}
	err  error
}

func (f *Future) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForwarderWorker decodes stream messages and dispatches post-processing
// tasks. Claiming is decided from headers alone so a worker never pays decode
// cost for the other entity's traffic; decode and dispatch run concurrently
// and their errors surface at flush, failing the batch before commit.
type ForwarderWorker struct {
	cfg     ForwarderConfig
	tasks   TaskDispatcher
	options OptionReader
	sem     chan struct{}
}

// NewForwarderWorker builds a forwarder for one entity.
func NewForwarderWorker(cfg ForwarderConfig, tasks TaskDispatcher, options OptionReader) *ForwarderWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.EnqueueMaxTries == 0 {
		cfg.EnqueueMaxTries = 3
	}
	return &ForwarderWorker{
		cfg:     cfg,
		tasks:   tasks,
		options: options,
		sem:     make(chan struct{}, cfg.Concurrency),
	}
}

// ProcessMessage claims or declines a record by headers, then hands claimed
// records to a bounded goroutine for decode and dispatch.
func (w *ForwarderWorker) ProcessMessage(ctx context.Context, rec *kgo.Record) (*Future, bool) {
	if !w.claims(rec.Headers) {
		return nil, false
	}
	f := &Future{done: make(chan struct{})}
	w.sem <- struct{}{}
	go func() {
		defer close(f.done)
		defer func() { <-w.sem }()
		f.err = w.dispatch(ctx, rec)
	}()
	return f, true
}

// claims applies the transaction_forwarder header partition: absent or "0"
// means error traffic, "1" means transaction traffic.
func (w *ForwarderWorker) claims(headers []kgo.RecordHeader) bool {
	if w.cfg.Entity == config.EntityAll {
		return true
	}
	marker := ""
	for _, h := range headers {
		if h.Key == "transaction_forwarder" {
			marker = string(h.Value)
			break
		}
	}
	if w.cfg.Entity == config.EntityTransactions {
		return marker == "1"
	}
	return marker == "" || marker == "0"
}

// FlushBatch waits out every in-flight dispatch. Any failure fails the whole
// batch so its offsets are not committed.
func (w *ForwarderWorker) FlushBatch(ctx context.Context, batch []*Future) error {
	var errs []error
	for _, f := range batch {
		if err := f.wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("op=ForwarderWorker.FlushBatch: %w", errors.Join(errs...))
	}
	return nil
}

func (w *ForwarderWorker) dispatch(ctx context.Context, rec *kgo.Record) error {
	kwargs, err := w.taskKwargs(rec)
	if err != nil {
		return err
	}
	if kwargs == nil {
		observability.MessagesSkippedTotal.WithLabelValues("no_work").Inc()
		return nil
	}

	task := domain.PostProcessGroupTask{
		EventID:               kwargs.EventID,
		ProjectID:             kwargs.ProjectID,
		GroupID:               kwargs.GroupID,
		PrimaryHash:           kwargs.PrimaryHash,
		IsNew:                 kwargs.IsNew,
		IsRegression:          kwargs.IsRegression,
		IsNewGroupEnvironment: kwargs.IsNewGroupEnvironment,
		GroupStates:           kwargs.GroupStates,
		CacheKey:              kwargs.CacheKey(),
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.cfg.EnqueueMaxTries-1), ctx)
	if err := backoff.Retry(func() error {
		return w.tasks.EnqueuePostProcessGroup(ctx, task)
	}, policy); err != nil {
		return fmt.Errorf("op=ForwarderWorker.dispatch: enqueue: %w", err)
	}
	observability.MessagesDispatchedTotal.WithLabelValues(w.cfg.Entity).Inc()
	return nil
}

// taskKwargs decodes one record, preferring headers when the
// post-process-forwarder.kafka-headers option is on. Any header decode
// failure falls back to the body codec, matching producers that have not
// started emitting full headers yet.
func (w *ForwarderWorker) taskKwargs(rec *kgo.Record) (*domain.TaskKwargs, error) {
	if w.options.Option("post-process-forwarder.kafka-headers") {
		kwargs, err := DecodeMessageFromHeaders(rec.Headers)
		if err == nil {
			return kwargs, nil
		}
		slog.Warn("could not decode message headers, falling back to body",
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
	}
	return DecodeMessage(rec.Value)
}
