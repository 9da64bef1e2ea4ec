// Package sweeper runs the recovery pass that settles pending matches whose
// in-process timer was lost to a restart or crash.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Settler settles up to limit due matches and reports how many it settled.
type Settler interface {
	SettleDue(ctx context.Context, limit int) (int, error)
}

type Sweeper struct {
	settler Settler
	batch   int
	log     *slog.Logger
	sched   gocron.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func New(settler Settler, every time.Duration, batch int, logger *slog.Logger) (*Sweeper, error) {
	if every <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		settler: settler,
		batch:   batch,
		log:     logger,
		sched:   sched,
		ctx:     ctx,
		cancel:  cancel,
	}
	_, err = sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(s.tick),
		gocron.WithName("settle-due"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel()
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.sched.Start()
}

// Stop cancels an in-flight pass and waits for the scheduler to drain.
func (s *Sweeper) Stop() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.sched.Shutdown()
	})
	return err
}

// RunOnce performs a single pass outside the schedule.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	return s.settler.SettleDue(ctx, s.batch)
}

func (s *Sweeper) tick() {
	start := time.Now()
	n, err := s.RunOnce(s.ctx)
	if err != nil {
		s.log.Error("settlement sweep failed", "err", err, "settled", n)
		return
	}
	if n > 0 {
		s.log.Info("settlement sweep complete", "settled", n, "took", time.Since(start).String())
	}
}
