// Package reconcile finishes work that webhooks left behind: paid orders whose
// activation failed or whose claim was abandoned, and user plans past expiry.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

const (
	LockName = "orderflow:reconcile"

	DefaultBatchSize = 50
	defaultLockTTL   = 2 * time.Minute
)

// Activator is the slice of the order engine a sweep drives.
type Activator interface {
	PendingActivations(ctx context.Context, limit int) ([]string, error)
	ActivateFulfillment(ctx context.Context, orderID string) (*domain.Order, error)
	ExpirePlans(ctx context.Context) (int, error)
}

// Result summarises one sweep.
type Result struct {
	Skipped      bool `json:"skipped"`
	Candidates   int  `json:"candidates"`
	Activated    int  `json:"activated"`
	Failed       int  `json:"failed"`
	ExpiredPlans int  `json:"expired_plans"`
}

type Sweeper struct {
	activator Activator
	rs        *redsync.Redsync
	batchSize int
	lockTTL   time.Duration
	logger    *slog.Logger

	sweeps metric.Int64Counter
}

func NewSweeper(activator Activator, client redis.UniversalClient, batchSize int, logger *slog.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	sweeps, err := otel.Meter("orderflow/reconcile").Int64Counter("orderflow.reconcile.orders",
		metric.WithDescription("Orders visited by reconciliation sweeps by outcome"),
	)
	if err != nil {
		logger.Warn("failed to create reconcile counter", "error", err)
	}

	return &Sweeper{
		activator: activator,
		rs:        redsync.New(goredis.NewPool(client)),
		batchSize: batchSize,
		lockTTL:   defaultLockTTL,
		logger:    logger,
		sweeps:    sweeps,
	}
}

// Sweep runs one pass while holding the cluster-wide reconcile lock. When another
// replica holds the lock the pass is skipped.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	mutex := s.rs.NewMutex(LockName,
		redsync.WithExpiry(s.lockTTL),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		s.logger.Info("reconcile sweep skipped", "reason", err.Error())
		return Result{Skipped: true}, nil
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release reconcile lock", "error", err)
		}
	}()

	var res Result

	ids, err := s.activator.PendingActivations(ctx, s.batchSize)
	if err != nil {
		return res, err
	}
	res.Candidates = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		order, err := s.activator.ActivateFulfillment(ctx, id)
		switch {
		case err != nil:
			res.Failed++
			s.count(ctx, "failed")
			s.logger.Warn("reconcile activation failed", "error", err, "order_id", id)
		case order != nil && order.ProvisioningState == domain.ProvisioningActive:
			res.Activated++
			s.count(ctx, "activated")
		default:
			s.count(ctx, "pending")
		}
	}

	expired, err := s.activator.ExpirePlans(ctx)
	if err != nil {
		return res, err
	}
	res.ExpiredPlans = expired

	s.logger.Info("reconcile sweep finished",
		"candidates", res.Candidates,
		"activated", res.Activated,
		"failed", res.Failed,
		"expired_plans", res.ExpiredPlans,
	)
	return res, nil
}

func (s *Sweeper) count(ctx context.Context, result string) {
	if s.sweeps == nil {
		return
	}
	s.sweeps.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
