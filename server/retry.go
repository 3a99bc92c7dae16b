package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/petal-labs/petalcanvas/graph"
)

// RetryPolicy bounds retries of transient store failures.
type RetryPolicy struct {
	// Attempts is the total number of tries (default: 3).
	Attempts int
	// Delay is the pause between tries (default: 2s).
	Delay time.Duration
}

// DefaultRetryPolicy retries a cold or busy database three times, two
// seconds apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: 2 * time.Second}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// IsTransient reports whether err means the database could not be reached
// right now, as opposed to a failed query.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return true
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN:
			return true
		}
	}
	return false
}

// retry runs fn until it succeeds, fails permanently, or the policy is
// exhausted. Only transient errors are retried.
func retry[T any](ctx context.Context, p RetryPolicy, logger *slog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	p = p.normalized()
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.Attempts-1)),
		ctx,
	)
	attempt := 0
	operation := func() (T, error) {
		attempt++
		out, err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}
	notify := func(err error, delay time.Duration) {
		logger.Warn("workflow store unavailable, retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	return backoff.RetryNotifyWithData(operation, b, notify)
}

// RetryingStore retries transient failures of the wrapped store.
type RetryingStore struct {
	next   WorkflowStore
	policy RetryPolicy
	logger *slog.Logger
}

// WithRetry wraps next so transient failures are retried per policy.
func WithRetry(next WorkflowStore, policy RetryPolicy, logger *slog.Logger) *RetryingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingStore{next: next, policy: policy, logger: logger}
}

func (s *RetryingStore) Create(ctx context.Context, doc graph.Document) (graph.Document, error) {
	return retry(ctx, s.policy, s.logger, "create", func(ctx context.Context) (graph.Document, error) {
		return s.next.Create(ctx, doc)
	})
}

func (s *RetryingStore) Update(ctx context.Context, doc graph.Document) (graph.Document, error) {
	return retry(ctx, s.policy, s.logger, "update", func(ctx context.Context) (graph.Document, error) {
		return s.next.Update(ctx, doc)
	})
}

type found struct {
	doc graph.Document
	ok  bool
}

func (s *RetryingStore) Get(ctx context.Context, userID, id string) (graph.Document, bool, error) {
	res, err := retry(ctx, s.policy, s.logger, "get", func(ctx context.Context) (found, error) {
		doc, ok, err := s.next.Get(ctx, userID, id)
		return found{doc, ok}, err
	})
	return res.doc, res.ok, err
}

func (s *RetryingStore) Latest(ctx context.Context, userID string) (graph.Document, bool, error) {
	res, err := retry(ctx, s.policy, s.logger, "latest", func(ctx context.Context) (found, error) {
		doc, ok, err := s.next.Latest(ctx, userID)
		return found{doc, ok}, err
	})
	return res.doc, res.ok, err
}

func (s *RetryingStore) List(ctx context.Context, userID string) ([]WorkflowSummary, error) {
	return retry(ctx, s.policy, s.logger, "list", func(ctx context.Context) ([]WorkflowSummary, error) {
		return s.next.List(ctx, userID)
	})
}

func (s *RetryingStore) Delete(ctx context.Context, userID, id string) error {
	_, err := retry(ctx, s.policy, s.logger, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.Delete(ctx, userID, id)
	})
	return err
}

var _ WorkflowStore = (*RetryingStore)(nil)
