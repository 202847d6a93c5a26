package timescheduler

import (
	"fmt"
	"time"

	"github.com/arkade-os/batch-settler/internal/core/ports"
	"github.com/go-co-op/gocron"
)

type service struct {
	scheduler *gocron.Scheduler
}

func NewScheduler() ports.SchedulerService {
	svc := gocron.NewScheduler(time.UTC)
	return &service{svc}
}

func (s *service) AfterNow(at int64) bool {
	return time.Unix(at, 0).After(time.Now())
}

func (s *service) Start() {
	s.scheduler.StartAsync()
}

// Stop drops all scheduled tasks.
func (s *service) Stop() {
	s.scheduler.Clear()
	s.scheduler.Stop()
}

func (s *service) ScheduleTaskOnce(at int64, task func()) error {
	delay := at - time.Now().Unix()
	if delay < 0 {
		return fmt.Errorf("cannot schedule task in the past")
	}
	if delay == 0 {
		delay = 1
	}

	_, err := s.scheduler.Every(int(delay)).Seconds().WaitForSchedule().LimitRunsTo(1).Do(task)
	return err
}

func (s *service) ScheduleRecurringTask(every time.Duration, task func()) error {
	if every <= 0 {
		return fmt.Errorf("invalid task interval %s", every)
	}

	_, err := s.scheduler.Every(every).WaitForSchedule().SingletonMode().Do(task)
	return err
}
