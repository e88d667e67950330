/**
 * @description
 * This file contains the executor behind every ledger operation. The `Ledger` owns the
 * storage backend, the token resolver and the event publisher, and runs each operation as
 * one storage transaction.
 *
 * Key features:
 * - A single in-process slot serializes outermost operations. Waiting for it ends with
 *   LedgerBusy when the caller's context is done, and at once for a caller without a
 *   deadline while a token collaborator is running.
 * - Records are updated before any token transfer; a transfer failure rolls back the
 *   whole operation, so no partial accounting is ever committed.
 * - A ledger call made with the context of an in-flight operation (a token collaborator
 *   calling back in) runs inside that operation's transaction as a savepoint. It sees the
 *   already-updated records and is judged by the ordinary preconditions.
 * - Events are collected during the operation and published only after commit.
 *
 * @dependencies
 * - log/slog: structured logging.
 * - go.opentelemetry.io/otel/trace: one span per operation.
 * - internal/store: transactional storage and typed records.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/transfa/crowdfunding-service/internal/domain"
	"github.com/transfa/crowdfunding-service/internal/store"
	"github.com/transfa/crowdfunding-service/internal/store/layout"
)

const tracerName = "github.com/transfa/crowdfunding-service/internal/app"

// Ledger is the campaign ledger.
type Ledger struct {
	backend store.Backend
	tokens  TokenResolver
	events  EventPublisher
	logger  *slog.Logger
	clock   Clock
	tracer  trace.Tracer

	initialLayout layout.Version

	slot          chan struct{}
	collaborating atomic.Int32
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Ledger) { l.tracer = tp.Tracer(tracerName) }
}

// WithInitialLayout sets the layout version Initialize stamps on a fresh store.
func WithInitialLayout(v layout.Version) Option {
	return func(l *Ledger) { l.initialLayout = v }
}

// NewLedger creates a ledger. A nil publisher drops events; a nil logger discards logs.
func NewLedger(backend store.Backend, tokens TokenResolver, events EventPublisher, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &Ledger{
		backend:       backend,
		tokens:        tokens,
		events:        events,
		logger:        logger,
		clock:         SystemClock,
		tracer:        otel.Tracer(tracerName),
		initialLayout: layout.Latest,
		slot:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type execKey struct{}

// execution is the state of one in-flight operation, or of one nested step inside it.
type execution struct {
	ledger *Ledger
	repo   *store.Repository
	events []domain.LedgerEvent
}

func (x *execution) emit(event domain.LedgerEvent) {
	x.events = append(x.events, event)
}

func (l *Ledger) current(ctx context.Context) (*execution, bool) {
	x, ok := ctx.Value(execKey{}).(*execution)
	if !ok || x.ledger != l {
		return nil, false
	}
	return x, true
}

// execute runs fn as one atomic ledger operation.
func (l *Ledger) execute(ctx context.Context, op string, fn func(ctx context.Context, x *execution) error) error {
	ctx, span := l.tracer.Start(ctx, "ledger."+op)
	defer span.End()

	if parent, ok := l.current(ctx); ok {
		span.SetAttributes(attribute.Bool("ledger.nested", true))
		err := l.executeNested(ctx, parent, fn)
		l.finishSpan(span, op, err, true)
		return err
	}

	events, err := l.executeOutermost(ctx, fn)
	l.finishSpan(span, op, err, false)
	if err != nil {
		return err
	}

	l.publish(ctx, events)
	return nil
}

func (l *Ledger) executeOutermost(ctx context.Context, fn func(ctx context.Context, x *execution) error) ([]domain.LedgerEvent, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()

	txn, err := l.backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer txn.Rollback(ctx)

	x := &execution{ledger: l, repo: store.NewRepository(txn)}
	if err := fn(context.WithValue(ctx, execKey{}, x), x); err != nil {
		return nil, err
	}
	if err := txn.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return x.events, nil
}

// acquire takes the operation slot. A caller without a deadline that arrives while a token
// collaborator is running is refused instead of queued: a collaborator calling back
// without the operation's context would otherwise wait on itself.
func (l *Ledger) acquire(ctx context.Context) error {
	select {
	case l.slot <- struct{}{}:
		return nil
	default:
	}
	if _, ok := ctx.Deadline(); !ok && l.collaborating.Load() > 0 {
		return fmt.Errorf("%w: called during a token transfer without the operation context", domain.ErrLedgerBusy)
	}
	select {
	case l.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrLedgerBusy, ctx.Err())
	}
}

func (l *Ledger) release() { <-l.slot }

func (l *Ledger) executeNested(ctx context.Context, parent *execution, fn func(ctx context.Context, x *execution) error) error {
	txn, err := parent.repo.Txn().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to open nested ledger step: %w", err)
	}
	defer txn.Rollback(ctx)

	x := &execution{ledger: l, repo: store.NewRepository(txn)}
	if err := fn(context.WithValue(ctx, execKey{}, x), x); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit nested ledger step: %w", err)
	}
	parent.events = append(parent.events, x.events...)
	return nil
}

// view runs a read-only fn. Inside an operation it reads that operation's uncommitted
// state; otherwise it reads committed state in a throwaway transaction.
func (l *Ledger) view(ctx context.Context, fn func(ctx context.Context, repo *store.Repository) error) error {
	if x, ok := l.current(ctx); ok {
		return fn(ctx, x.repo)
	}
	txn, err := l.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin ledger read: %w", err)
	}
	defer txn.Rollback(ctx)
	return fn(ctx, store.NewRepository(txn))
}

func (l *Ledger) finishSpan(span trace.Span, op string, err error, nested bool) {
	if err == nil {
		return
	}
	kind := domain.KindOf(err)
	span.SetAttributes(attribute.String("ledger.error_kind", string(kind)))
	if kind == domain.KindUnknown {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error("ledger operation failed", "op", op, "nested", nested, "error", err)
		return
	}
	span.SetAttributes(attribute.String("ledger.error_code", domain.CodeOf(err)))
	l.logger.Info("ledger operation rejected", "op", op, "nested", nested, "code", domain.CodeOf(err), "error", err)
}

// publish hands committed events to the publisher. The operation has already committed,
// so failures are logged and never returned.
func (l *Ledger) publish(ctx context.Context, events []domain.LedgerEvent) {
	if l.events == nil {
		return
	}
	for _, event := range events {
		if err := l.events.PublishLedgerEvent(ctx, event); err != nil {
			l.logger.Warn("failed to publish ledger event",
				"event_type", event.EventType,
				"event_id", event.EventID.String(),
				"campaign_id", event.CampaignID,
				"error", err,
			)
		}
	}
}

// loadParams loads the global parameters, failing with NotInitialized before Initialize.
func loadParams(ctx context.Context, repo *store.Repository) (*domain.Params, error) {
	params, err := repo.Params(ctx)
	if err != nil {
		if errors.Is(err, store.ErrParamsNotFound) {
			return nil, domain.ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to load ledger params: %w", err)
	}
	return params, nil
}

// loadCampaign loads a campaign, distinguishing a cancelled id from an unknown one.
func loadCampaign(ctx context.Context, repo *store.Repository, id uint64) (*domain.Campaign, error) {
	c, err := repo.Campaign(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrCampaignNotFound) {
		return nil, fmt.Errorf("failed to load campaign %d: %w", id, err)
	}
	cancelled, tombErr := repo.IsCancelled(ctx, id)
	if tombErr != nil {
		return nil, fmt.Errorf("failed to load campaign %d: %w", id, tombErr)
	}
	if cancelled {
		return nil, domain.ErrCampaignCancelled
	}
	return nil, domain.ErrCampaignNotFound
}

func (l *Ledger) token(ctx context.Context, id domain.Address) (Token, error) {
	if l.tokens == nil {
		return nil, transferError(errors.New("no token resolver configured"))
	}
	tok, err := l.tokens.Token(ctx, id)
	if err != nil {
		return nil, transferError(err)
	}
	return collaboratorToken{Token: tok, ledger: l}, nil
}
