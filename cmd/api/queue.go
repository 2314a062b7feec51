package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/lilseedabe/genbroker/internal/execution"
	"github.com/lilseedabe/genbroker/internal/jobs"
	"github.com/lilseedabe/genbroker/internal/notify"
	"github.com/lilseedabe/genbroker/internal/provider"
)

// newRiverClient applies river's own migrations, registers the workers and
// configures the queues plus the periodic maintenance jobs.
func newRiverClient(
	pool *pgxpool.Pool,
	jobsSvc *jobs.Service,
	refiller execution.Refiller,
	gen provider.Provider,
	dispatcher *notify.Dispatcher,
	logger *slog.Logger,
) (*river.Client[pgx.Tx], error) {
	driver := riverpgxv5.New(pool)

	migrator, err := rivermigrate.New(driver, nil)
	if err != nil {
		return nil, err
	}
	if _, err := migrator.Migrate(context.Background(), rivermigrate.DirectionUp, nil); err != nil {
		return nil, err
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGenerateWorker(jobsSvc, gen, logger))
	river.AddWorker(workers, execution.NewNotifyWorker(dispatcher))
	river.AddWorker(workers, execution.NewSweepWorker(jobsSvc, logger))
	river.AddWorker(workers, execution.NewRetentionWorker(jobsSvc, logger))
	river.AddWorker(workers, execution.NewRefillWorker(refiller, logger))
	river.AddWorker(workers, execution.NewCreditAlertWorker(jobsSvc, logger))

	return river.NewClient(driver, &river.Config{
		Queues: map[string]river.QueueConfig{
			execution.QueueGeneration:   {MaxWorkers: execution.GenerationMaxWorkers},
			execution.QueueNotification: {MaxWorkers: execution.NotificationMaxWorkers},
			execution.QueueMaintenance:  {MaxWorkers: execution.MaintenanceMaxWorkers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(10*time.Minute),
				func() (river.JobArgs, *river.InsertOpts) { return execution.SweepArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(24*time.Hour),
				func() (river.JobArgs, *river.InsertOpts) { return execution.RetentionArgs{}, nil },
				nil,
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(24*time.Hour),
				func() (river.JobArgs, *river.InsertOpts) { return execution.RefillArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(24*time.Hour),
				func() (river.JobArgs, *river.InsertOpts) { return execution.CreditAlertArgs{}, nil },
				nil,
			),
		},
	})
}

// bindQueue hands the orchestrator its river hooks. Done after client
// construction because the workers themselves need the orchestrator.
func bindQueue(jobsSvc *jobs.Service, client *river.Client[pgx.Tx]) {
	jobsSvc.BindQueue(
		func(ctx context.Context, tx pgx.Tx, args execution.GenerateArgs) (int64, error) {
			res, err := client.InsertTx(ctx, tx, args, nil)
			if err != nil {
				return 0, err
			}
			return res.Job.ID, nil
		},
		func(ctx context.Context, args execution.NotifyArgs) error {
			_, err := client.Insert(ctx, args, nil)
			return err
		},
		func(ctx context.Context, queueJobID int64) error {
			_, err := client.JobCancel(ctx, queueJobID)
			return err
		},
	)
}
