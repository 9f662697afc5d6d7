package esm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingCatalog       = errors.New("trigger catalog is required")
	errMissingConfigStore   = errors.New("config store is required")
	errMissingPendingStore  = errors.New("pending questionnaire store is required")
	errMissingAlarmFacility = errors.New("alarm facility is required")
	noOpLogger              = zap.NewNop()
)

const (
	opHandleEvent      = "esm.handle_event"
	opSchedulePeriodic = "esm.schedule_periodic"
	opScheduleNext     = "esm.schedule_next"
	opAlarmFired       = "esm.alarm_fired"
)

// SchedulerError carries an operation-scoped failure code.
type SchedulerError struct {
	code string
	err  error
}

func (e *SchedulerError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SchedulerError) Unwrap() error {
	return e.err
}

// Code exposes the operation.reason failure code.
func (e *SchedulerError) Code() string {
	return e.code
}

func newSchedulerError(operation, reason string, cause error) error {
	return &SchedulerError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Launcher signals the presentation layer to surface a questionnaire,
// replacing any prompt currently on screen (single-flight UI surface).
type Launcher interface {
	LaunchQuestionnaire(payloadJSON string, pendingID string)
}

// Notifier raises a participant-visible reminder whose open action launches
// the questionnaire UI with the trigger identifier.
type Notifier interface {
	Notify(triggerID int, title string)
}

// AlarmFacility arms a wake-up at an absolute wall-clock time. Arming an
// identifier that already has a registration replaces it, never queues a
// second one.
type AlarmFacility interface {
	Arm(identifier string, at time.Time, payload AlarmPayload) error
}

// SchedulerConfig bundles the scheduler's collaborators.
type SchedulerConfig struct {
	Catalog  *Catalog
	Store    ConfigStore
	Pending  *PendingStore
	Launcher Launcher
	Notifier Notifier
	Alarms   AlarmFacility
	Clock    func() time.Time
	Logger   *zap.Logger
}

// EnrolmentReader resolves the enrolled study for triggers whose owning
// questionnaire cannot be found.
type EnrolmentReader interface {
	StudyID(ctx context.Context) (int64, error)
}

// Scheduler matches runtime events against event triggers and arms periodic
// wake-ups, decrementing the per-study remaining-occurrence counter.
type Scheduler struct {
	catalog  *Catalog
	store    ConfigStore
	pending  *PendingStore
	launcher Launcher
	notifier Notifier
	alarms   AlarmFacility
	clock    func() time.Time
	logger   *zap.Logger
}

// NewScheduler constructs the scheduler with validated configuration.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	if cfg.Store == nil {
		return nil, errMissingConfigStore
	}
	if cfg.Pending == nil {
		return nil, errMissingPendingStore
	}
	if cfg.Alarms == nil {
		return nil, errMissingAlarmFacility
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Scheduler{
		catalog:  cfg.Catalog,
		store:    cfg.Store,
		pending:  cfg.Pending,
		launcher: cfg.Launcher,
		notifier: cfg.Notifier,
		alarms:   cfg.Alarms,
		clock:    clock,
		logger:   logger,
	}, nil
}

// HandleEvent matches the named runtime event against the catalog's event
// triggers. Only the first match is honored: at most one prompt is issued per
// event. The owning questionnaire is re-fetched from the store rather than the
// catalog since trigger metadata and questionnaire content can diverge. The
// pending row is persisted before the UI is signaled so the prompt survives
// immediate process death.
func (s *Scheduler) HandleEvent(ctx context.Context, eventName string) error {
	if err := s.catalog.Load(ctx); err != nil {
		s.logSkip(opHandleEvent, "catalog_unavailable", err, zap.String("event", eventName))
		return nil
	}

	var matched *Trigger
	for _, trigger := range s.catalog.TriggersOfKind(TriggerKindEvent) {
		if trigger.EventName == eventName {
			matched = &trigger
			break
		}
	}
	if matched == nil {
		return nil
	}

	questionnaires, err := s.store.Questionnaires(ctx)
	if err != nil {
		s.logSkip(opHandleEvent, "questionnaire_fetch_failed", err, zap.String("event", eventName))
		return nil
	}

	var owning *FullQuestionnaire
	for _, full := range questionnaires {
		if full.Questionnaire.ID == matched.QuestionnaireID {
			owning = &full
			break
		}
	}
	if owning == nil {
		// Dangling questionnaire reference: ignored, not an error.
		s.logSkip(opHandleEvent, "dangling_questionnaire", nil,
			zap.String("event", eventName),
			zap.Int("questionnaire_id", matched.QuestionnaireID))
		return nil
	}

	record, err := s.pending.Insert(ctx, *owning)
	if err != nil {
		s.logError(opHandleEvent, "pending_insert_failed", err, zap.String("event", eventName))
		return newSchedulerError(opHandleEvent, "pending_insert_failed", err)
	}

	if s.launcher != nil {
		s.launcher.LaunchQuestionnaire(record.PayloadJSON, record.ID)
	}

	s.logger.Info("event questionnaire issued",
		zap.String("event", eventName),
		zap.Int("trigger_id", matched.ID),
		zap.String("pending_id", record.ID))
	return nil
}

// SchedulePeriodic runs one scheduling pass over every periodic trigger in
// the catalog. Each trigger consumes exactly one occurrence from its study's
// counter; a counter already at or below zero skips the trigger entirely and
// is never pushed negative. Triggers are processed independently, with no
// atomicity across triggers sharing a study.
func (s *Scheduler) SchedulePeriodic(ctx context.Context) error {
	if err := s.catalog.Load(ctx); err != nil {
		s.logSkip(opSchedulePeriodic, "catalog_unavailable", err)
		return nil
	}

	for _, trigger := range s.catalog.TriggersOfKind(TriggerKindPeriodic) {
		title := "Unknown"
		var studyID int64
		if owning, ok := s.catalog.QuestionnaireFor(trigger.QuestionnaireID); ok {
			title = owning.Questionnaire.Name
			studyID = owning.Questionnaire.StudyID
		} else if reader, ok := s.store.(EnrolmentReader); ok {
			enrolled, err := reader.StudyID(ctx)
			if err != nil {
				s.logSkip(opSchedulePeriodic, "study_resolution_failed", err, zap.Int("trigger_id", trigger.ID))
				continue
			}
			studyID = enrolled
		}

		remaining, consumed, err := s.store.ConsumeOccurrence(ctx, studyID)
		if err != nil {
			s.logSkip(opSchedulePeriodic, "counter_update_failed", err, zap.Int("trigger_id", trigger.ID))
			continue
		}
		if !consumed {
			s.logger.Debug("periodic trigger exhausted",
				zap.Int("trigger_id", trigger.ID),
				zap.Int64("study_id", studyID))
			continue
		}

		if err := s.scheduleNext(trigger, remaining, title); err != nil {
			s.logSkip(opSchedulePeriodic, "arm_failed", err, zap.Int("trigger_id", trigger.ID))
		}
	}
	return nil
}

// HandleAlarmFired is the payload-contract callback for a fired periodic
// wake-up: raise the reminder and arm the next day's alarm. The remaining-day
// count rides in the payload only; no counter is persisted on this path.
func (s *Scheduler) HandleAlarmFired(payload AlarmPayload) {
	if s.notifier != nil {
		s.notifier.Notify(payload.TriggerID, payload.Title)
	}

	if err := s.scheduleNext(payload.Trigger, payload.RemainingDays, payload.QuestionnaireName); err != nil {
		s.logSkip(opAlarmFired, "rearm_failed", err, zap.Int("trigger_id", payload.TriggerID))
		return
	}

	s.logger.Info("periodic reminder fired",
		zap.Int("trigger_id", payload.TriggerID),
		zap.Int("remaining_days", payload.RemainingDays))
}

// scheduleNext arms exactly one alarm for the trigger's next firing. A
// remaining-day count at or below zero is terminal. When today's wall-clock
// instant has already passed, the target shifts to tomorrow and the payload
// counter loses one extra unit; that extra decrement is not re-persisted, so
// the stored counter and the one threaded through alarms can diverge by one.
func (s *Scheduler) scheduleNext(trigger Trigger, remainingDays int, title string) error {
	if remainingDays <= 0 {
		return nil
	}
	nextRemainingDays := remainingDays - 1

	hour, minute, err := ParseTimeOfDay(trigger.TimeOfDay)
	if err != nil {
		return newSchedulerError(opScheduleNext, "invalid_time_of_day", err)
	}

	now := s.clock()
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if target.Before(now) {
		target = target.AddDate(0, 0, 1)
		nextRemainingDays--
	}

	payload := AlarmPayload{
		Title:             fmt.Sprintf("It's time for %s", title),
		TriggerID:         trigger.ID,
		Trigger:           trigger,
		QuestionnaireID:   trigger.QuestionnaireID,
		QuestionnaireName: title,
		RemainingDays:     nextRemainingDays,
	}

	if err := s.alarms.Arm(alarmIdentifier(trigger.ID), target, payload); err != nil {
		return newSchedulerError(opScheduleNext, "arm_failed", err)
	}

	s.logger.Debug("periodic questionnaire scheduled",
		zap.Int("trigger_id", trigger.ID),
		zap.String("title", title),
		zap.Time("fire_at", target),
		zap.Int("remaining_days", nextRemainingDays))
	return nil
}

func alarmIdentifier(triggerID int) string {
	return fmt.Sprintf("esm-trigger-%d", triggerID)
}

func (s *Scheduler) logSkip(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Warn("esm trigger skipped", attrs...)
}

func (s *Scheduler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("esm scheduler error", attrs...)
}
