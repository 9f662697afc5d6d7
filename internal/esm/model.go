package esm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TriggerKind enumerates the supported questionnaire trigger variants.
type TriggerKind string

const (
	// TriggerKindEvent fires when a named runtime event occurs.
	TriggerKindEvent TriggerKind = "event"
	// TriggerKindPeriodic fires once per study day at a wall-clock time.
	TriggerKindPeriodic TriggerKind = "periodic"
)

var (
	// ErrInvalidTriggerKind indicates an unrecognized trigger variant tag.
	ErrInvalidTriggerKind = errors.New("esm: invalid trigger kind")
	// ErrInvalidTimeOfDay indicates a periodic trigger time outside HH:MM form.
	ErrInvalidTimeOfDay = errors.New("esm: invalid time of day")
)

// Trigger is the tagged union over event and periodic questionnaire triggers.
// Kind selects the variant; EventName is meaningful only for event triggers
// and TimeOfDay only for periodic ones.
type Trigger struct {
	ID              int         `json:"id"`
	Kind            TriggerKind `json:"kind"`
	QuestionnaireID int         `json:"questionnaireId"`
	EventName       string      `json:"eventName,omitempty"`
	TimeOfDay       string      `json:"timeOfDay,omitempty"`
}

// Validate checks the variant tag and its variant-specific fields.
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerKindEvent:
		if strings.TrimSpace(t.EventName) == "" {
			return fmt.Errorf("%w: event trigger %d has empty event name", ErrInvalidTriggerKind, t.ID)
		}
		return nil
	case TriggerKindPeriodic:
		_, _, err := ParseTimeOfDay(t.TimeOfDay)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTriggerKind, t.Kind)
	}
}

// ParseTimeOfDay splits an HH:MM wall-clock time into hour and minute.
func ParseTimeOfDay(value string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, value)
	}
	return hour, minute, nil
}

// Study describes the enrolled study. Immutable once fetched; replaced
// wholesale on refresh.
type Study struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	EnrolmentKey string `json:"enrolmentKey"`
}

// Questionnaire carries the displayable questionnaire metadata and content.
type Questionnaire struct {
	ID       int             `json:"id"`
	Name     string          `json:"name"`
	StudyID  int64           `json:"studyId"`
	Elements json.RawMessage `json:"elements,omitempty"`
}

// FullQuestionnaire bundles a questionnaire with the triggers that surface it.
type FullQuestionnaire struct {
	Questionnaire Questionnaire `json:"questionnaire"`
	Triggers      []Trigger     `json:"triggers"`
}

// PendingQuestionnaireTTL bounds how long an issued prompt awaits completion.
const PendingQuestionnaireTTL = 15 * time.Minute

// PendingQuestionnaire is the durable record of an issued ESM prompt awaiting
// participant response. Cleanup of expired rows is owned by the consuming UI
// layer, not by this engine.
type PendingQuestionnaire struct {
	ID              string `gorm:"column:pending_id;primaryKey;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	ExpiresAtMillis int64  `gorm:"column:expires_at_ms;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingQuestionnaire) TableName() string {
	return "pending_questionnaires"
}

// AlarmPayload is the contract delivered back by the alarm facility when a
// periodic wake-up fires.
type AlarmPayload struct {
	Title             string  `json:"title"`
	TriggerID         int     `json:"triggerId"`
	Trigger           Trigger `json:"trigger"`
	QuestionnaireID   int     `json:"questionnaireId"`
	QuestionnaireName string  `json:"questionnaireName"`
	RemainingDays     int     `json:"remainingDays"`
}
