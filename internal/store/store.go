package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mimuc/sense-agent/internal/esm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	keyToken                 = "token"
	keyParticipantID         = "participant_id"
	keyStudy                 = "study"
	keyStudyID               = "study_id"
	keyQuestionnaires        = "questionnaires"
	keyQuestionnairesVersion = "questionnaires_version"

	remainingOccurrencesPrefix = "remaining_occurrences:"
)

// ErrMissingDatabase indicates the store was constructed without a database handle.
var ErrMissingDatabase = errors.New("store: database connection required")

// ConfigEntry is a durable key-value row. Writes are atomic per key.
type ConfigEntry struct {
	Key              string `gorm:"column:key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConfigEntry) TableName() string {
	return "config_entries"
}

// StoreConfig describes the dependencies of the durable config store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store holds participant/session state: enrolment token, participant id,
// study metadata, the questionnaire set and its version, and the per-study
// remaining-occurrence counters.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs the config store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Token returns the enrolment token, empty pre-enrolment.
func (s *Store) Token(ctx context.Context) (string, error) {
	return s.value(ctx, keyToken)
}

// SaveToken persists the enrolment token.
func (s *Store) SaveToken(ctx context.Context, token string) error {
	return s.setValue(ctx, s.db, keyToken, token)
}

// ParticipantID returns the enrolled participant identifier, empty pre-enrolment.
func (s *Store) ParticipantID(ctx context.Context) (string, error) {
	return s.value(ctx, keyParticipantID)
}

// StudyID returns the enrolled study identifier, zero pre-enrolment.
func (s *Store) StudyID(ctx context.Context) (int64, error) {
	raw, err := s.value(ctx, keyStudyID)
	if err != nil || raw == "" {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: malformed study id %q: %w", raw, err)
	}
	return id, nil
}

// Study returns the enrolled study metadata, when present.
func (s *Store) Study(ctx context.Context) (esm.Study, bool, error) {
	raw, err := s.value(ctx, keyStudy)
	if err != nil || raw == "" {
		return esm.Study{}, false, err
	}
	var study esm.Study
	if err := json.Unmarshal([]byte(raw), &study); err != nil {
		return esm.Study{}, false, fmt.Errorf("store: decode study: %w", err)
	}
	return study, true, nil
}

// SaveEnrolment atomically records the full enrolment outcome: token,
// participant identifier, and study metadata.
func (s *Store) SaveEnrolment(ctx context.Context, token, participantID string, study esm.Study) error {
	studyJSON, err := json.Marshal(study)
	if err != nil {
		return fmt.Errorf("store: encode study: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.setValue(ctx, tx, keyToken, token); err != nil {
			return err
		}
		if err := s.setValue(ctx, tx, keyParticipantID, participantID); err != nil {
			return err
		}
		if err := s.setValue(ctx, tx, keyStudyID, strconv.FormatInt(study.ID, 10)); err != nil {
			return err
		}
		return s.setValue(ctx, tx, keyStudy, string(studyJSON))
	})
}

// Questionnaires returns the persisted questionnaire set, empty pre-enrolment.
func (s *Store) Questionnaires(ctx context.Context) ([]esm.FullQuestionnaire, error) {
	raw, err := s.value(ctx, keyQuestionnaires)
	if err != nil || raw == "" {
		return nil, err
	}
	var questionnaires []esm.FullQuestionnaire
	if err := json.Unmarshal([]byte(raw), &questionnaires); err != nil {
		return nil, fmt.Errorf("store: decode questionnaires: %w", err)
	}
	return questionnaires, nil
}

// QuestionnairesVersion returns the monotonic version of the questionnaire
// set, bumped on every replacement. Zero means never saved.
func (s *Store) QuestionnairesVersion(ctx context.Context) (int64, error) {
	raw, err := s.value(ctx, keyQuestionnairesVersion)
	if err != nil || raw == "" {
		return 0, err
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: malformed questionnaires version %q: %w", raw, err)
	}
	return version, nil
}

// SaveQuestionnaires replaces the questionnaire set wholesale and bumps its
// version in the same transaction, so catalog snapshots observe either the
// old or the new set, never a mix.
func (s *Store) SaveQuestionnaires(ctx context.Context, questionnaires []esm.FullQuestionnaire) error {
	payload, err := json.Marshal(questionnaires)
	if err != nil {
		return fmt.Errorf("store: encode questionnaires: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, err := s.valueTx(ctx, tx, keyQuestionnairesVersion)
		if err != nil {
			return err
		}
		current := int64(0)
		if version != "" {
			current, err = strconv.ParseInt(version, 10, 64)
			if err != nil {
				return fmt.Errorf("store: malformed questionnaires version %q: %w", version, err)
			}
		}
		if err := s.setValue(ctx, tx, keyQuestionnaires, string(payload)); err != nil {
			return err
		}
		return s.setValue(ctx, tx, keyQuestionnairesVersion, strconv.FormatInt(current+1, 10))
	})
}

// RemainingOccurrences returns the remaining-occurrence counter for the
// study, zero when the key is absent.
func (s *Store) RemainingOccurrences(ctx context.Context, studyID int64) (int, error) {
	raw, err := s.value(ctx, occurrenceKey(studyID))
	if err != nil || raw == "" {
		return 0, err
	}
	remaining, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("store: malformed occurrence counter %q: %w", raw, err)
	}
	return remaining, nil
}

// SaveRemainingOccurrences initializes or overwrites the counter for a study.
func (s *Store) SaveRemainingOccurrences(ctx context.Context, studyID int64, remaining int) error {
	return s.setValue(ctx, s.db, occurrenceKey(studyID), strconv.Itoa(remaining))
}

// ConsumeOccurrence atomically reads the counter for the study and, when it
// is still positive, persists a single decrement. The pre-decrement value is
// returned. A counter at or below zero is left untouched and reported as not
// consumed; it is never pushed negative.
func (s *Store) ConsumeOccurrence(ctx context.Context, studyID int64) (int, bool, error) {
	remaining := 0
	consumed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry ConfigEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("key = ?", occurrenceKey(studyID)).
			Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: read occurrence counter: %w", err)
		}

		remaining, err = strconv.Atoi(entry.Value)
		if err != nil {
			return fmt.Errorf("store: malformed occurrence counter %q: %w", entry.Value, err)
		}
		if remaining <= 0 {
			return nil
		}

		if err := s.setValue(ctx, tx, occurrenceKey(studyID), strconv.Itoa(remaining-1)); err != nil {
			return err
		}
		consumed = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return remaining, consumed, nil
}

func occurrenceKey(studyID int64) string {
	return remainingOccurrencesPrefix + strconv.FormatInt(studyID, 10)
}

func (s *Store) value(ctx context.Context, key string) (string, error) {
	return s.valueTx(ctx, s.db, key)
}

func (s *Store) valueTx(ctx context.Context, tx *gorm.DB, key string) (string, error) {
	var entry ConfigEntry
	err := tx.WithContext(ctx).Where("key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: read %q: %w", key, err)
	}
	return entry.Value, nil
}

func (s *Store) setValue(ctx context.Context, tx *gorm.DB, key, value string) error {
	entry := ConfigEntry{
		Key:              key,
		Value:            value,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("store: write %q: %w", key, err)
	}
	return nil
}
