// Package schedule runs the daily route reset.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/quota"
)

// Resetter returns every bus to its first stop.
type Resetter interface {
	ResetAll() []*quota.Ticket
}

// CronService resets all routes on a cron schedule with seconds precision,
// e.g. "0 0 4 * * *" for 04:00 every day.
type CronService struct {
	cron     *cron.Cron
	spec     string
	resetter Resetter
	log      logrus.FieldLogger
}

func NewCronService(spec string, loc *time.Location, r Resetter, log logrus.FieldLogger) *CronService {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CronService{
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		spec:     spec,
		resetter: r,
		log:      log.WithField("component", "schedule"),
	}
}

func (s *CronService) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.resetJob); err != nil {
		return fmt.Errorf("schedule daily reset %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.log.WithField("spec", s.spec).Info("daily reset scheduled")
	return nil
}

func (s *CronService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("cron stopped")
}

// Next is the time of the next scheduled reset, zero before Start.
func (s *CronService) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *CronService) resetJob() {
	start := time.Now()
	tickets := s.resetter.ResetAll()
	s.log.WithFields(logrus.Fields{
		"writes":   len(tickets),
		"duration": time.Since(start).String(),
	}).Info("daily reset queued")
}
