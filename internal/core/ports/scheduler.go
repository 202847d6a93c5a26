package ports

import "time"

type SchedulerService interface {
	Start()
	Stop()
	// ScheduleTaskOnce runs the task once at the given unix timestamp
	ScheduleTaskOnce(at int64, task func()) error
	ScheduleRecurringTask(every time.Duration, task func()) error
	AfterNow(at int64) bool
}
