package conn

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"bolt/internal/session"
	"bolt/internal/telemetry"
)

// Reconciler keeps one worker alive per desired connection id of a single
// protocol family.
type Reconciler struct {
	family  Family
	session *session.Session
	cfg     Config
	logger  *zap.Logger
	sink    metrics.MetricSink
	wg      sync.WaitGroup
}

func NewReconciler(sess *session.Session, family Family, cfg Config) *Reconciler {
	return &Reconciler{
		family:  family,
		session: sess,
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
		sink:    telemetry.SinkOrDefault(nil),
	}
}

func (r *Reconciler) SetLogger(logger *zap.Logger) {
	if logger == nil {
		r.logger = zap.NewNop()
		return
	}
	r.logger = logger.Named("conn." + r.family.Protocol.Lower())
}

func (r *Reconciler) SetMetricSink(sink metrics.MetricSink) {
	r.sink = telemetry.SinkOrDefault(sink)
}

func (r *Reconciler) Protocol() session.Protocol { return r.family.Protocol }

// Run ticks until ctx is done, then kills every worker it spawned and waits
// for them to exit.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", zap.Duration("interval", r.cfg.SyncInterval))
	defer r.logger.Info("reconciler stopped")

	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			for _, rec := range r.session.Records(r.family.Protocol) {
				rec.Kill()
			}
			r.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass. Workers spawned here are children of
// ctx.
func (r *Reconciler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	p := r.family.Protocol
	spawn, kill := r.session.Plan(p, func(id string) *session.WorkerRecord {
		return session.NewWorkerRecord(ctx, p, id)
	})
	for _, rec := range spawn {
		w := newWorker(r, rec)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.run()
		}()
		r.sink.IncrCounterWithLabels(telemetry.MetricWorkerSpawnCount, 1, []metrics.Label{telemetry.LabelProtocol.M(p.Lower())})
		r.logger.Debug("worker spawned", telemetry.LabelConnectionID.Z(rec.ConnectionID))
	}
	for _, rec := range kill {
		rec.Kill()
		r.sink.IncrCounterWithLabels(telemetry.MetricWorkerKillCount, 1, []metrics.Label{telemetry.LabelProtocol.M(p.Lower())})
		r.logger.Debug("worker killed", telemetry.LabelConnectionID.Z(rec.ConnectionID))
	}
}

// Wait blocks until every worker spawned by this reconciler has exited.
func (r *Reconciler) Wait() { r.wg.Wait() }
