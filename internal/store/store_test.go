package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/mimuc/sense-agent/internal/esm"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDatabaseSequence atomic.Int64

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ConfigEntry{}); err != nil {
		t.Fatalf("failed to migrate test schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	configStore, err := NewStore(StoreConfig{
		Database: openTestDatabase(t),
		Clock:    func() time.Time { return time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return configStore
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatal("expected error without database handle")
	}
}

func TestValuesEmptyBeforeEnrolment(t *testing.T) {
	configStore := newTestStore(t)
	ctx := context.Background()

	token, err := configStore.Token(ctx)
	if err != nil || token != "" {
		t.Fatalf("expected empty token, got %q err %v", token, err)
	}
	if _, found, err := configStore.Study(ctx); err != nil || found {
		t.Fatalf("expected no study, found=%v err=%v", found, err)
	}
	version, err := configStore.QuestionnairesVersion(ctx)
	if err != nil || version != 0 {
		t.Fatalf("expected zero version, got %d err %v", version, err)
	}
}

func TestSaveEnrolmentRoundTrip(t *testing.T) {
	configStore := newTestStore(t)
	ctx := context.Background()

	study := esm.Study{ID: 7, Name: "Sleep Study", EnrolmentKey: "sleep-2026"}
	if err := configStore.SaveEnrolment(ctx, "token-abc", "participant-42", study); err != nil {
		t.Fatalf("failed to save enrolment: %v", err)
	}

	token, err := configStore.Token(ctx)
	if err != nil || token != "token-abc" {
		t.Fatalf("unexpected token %q err %v", token, err)
	}
	participantID, err := configStore.ParticipantID(ctx)
	if err != nil || participantID != "participant-42" {
		t.Fatalf("unexpected participant id %q err %v", participantID, err)
	}
	studyID, err := configStore.StudyID(ctx)
	if err != nil || studyID != 7 {
		t.Fatalf("unexpected study id %d err %v", studyID, err)
	}
	saved, found, err := configStore.Study(ctx)
	if err != nil || !found {
		t.Fatalf("expected saved study, found=%v err=%v", found, err)
	}
	if saved != study {
		t.Fatalf("unexpected study %+v", saved)
	}
}

func TestSaveQuestionnairesBumpsVersion(t *testing.T) {
	configStore := newTestStore(t)
	ctx := context.Background()

	first := []esm.FullQuestionnaire{{
		Questionnaire: esm.Questionnaire{ID: 1, Name: "Morning Diary", StudyID: 7},
	}}
	if err := configStore.SaveQuestionnaires(ctx, first); err != nil {
		t.Fatalf("failed to save questionnaires: %v", err)
	}
	version, err := configStore.QuestionnairesVersion(ctx)
	if err != nil || version != 1 {
		t.Fatalf("expected version 1, got %d err %v", version, err)
	}

	second := []esm.FullQuestionnaire{{
		Questionnaire: esm.Questionnaire{ID: 2, Name: "Evening Diary", StudyID: 7},
	}}
	if err := configStore.SaveQuestionnaires(ctx, second); err != nil {
		t.Fatalf("failed to replace questionnaires: %v", err)
	}
	version, err = configStore.QuestionnairesVersion(ctx)
	if err != nil || version != 2 {
		t.Fatalf("expected version 2 after replacement, got %d err %v", version, err)
	}

	questionnaires, err := configStore.Questionnaires(ctx)
	if err != nil {
		t.Fatalf("failed to read questionnaires: %v", err)
	}
	if len(questionnaires) != 1 || questionnaires[0].Questionnaire.Name != "Evening Diary" {
		t.Fatalf("expected replacement set, got %+v", questionnaires)
	}
}

func TestConsumeOccurrenceDecrementsPositiveCounter(t *testing.T) {
	configStore := newTestStore(t)
	ctx := context.Background()

	if err := configStore.SaveRemainingOccurrences(ctx, 7, 5); err != nil {
		t.Fatalf("failed to seed counter: %v", err)
	}

	remaining, consumed, err := configStore.ConsumeOccurrence(ctx, 7)
	if err != nil {
		t.Fatalf("failed to consume occurrence: %v", err)
	}
	if !consumed || remaining != 5 {
		t.Fatalf("expected pre-decrement value 5 consumed, got %d consumed=%v", remaining, consumed)
	}

	persisted, err := configStore.RemainingOccurrences(ctx, 7)
	if err != nil || persisted != 4 {
		t.Fatalf("expected persisted counter 4, got %d err %v", persisted, err)
	}
}

func TestConsumeOccurrenceLeavesExhaustedCounterUntouched(t *testing.T) {
	configStore := newTestStore(t)
	ctx := context.Background()

	if err := configStore.SaveRemainingOccurrences(ctx, 7, 0); err != nil {
		t.Fatalf("failed to seed counter: %v", err)
	}

	remaining, consumed, err := configStore.ConsumeOccurrence(ctx, 7)
	if err != nil {
		t.Fatalf("failed to consume occurrence: %v", err)
	}
	if consumed || remaining != 0 {
		t.Fatalf("exhausted counter must not be consumed, got %d consumed=%v", remaining, consumed)
	}

	persisted, err := configStore.RemainingOccurrences(ctx, 7)
	if err != nil || persisted != 0 {
		t.Fatalf("counter must never go negative, got %d err %v", persisted, err)
	}
}

func TestConsumeOccurrenceMissingCounter(t *testing.T) {
	configStore := newTestStore(t)

	remaining, consumed, err := configStore.ConsumeOccurrence(context.Background(), 99)
	if err != nil {
		t.Fatalf("failed to consume occurrence: %v", err)
	}
	if consumed || remaining != 0 {
		t.Fatalf("missing counter must report not consumed, got %d consumed=%v", remaining, consumed)
	}
}

func TestConsumeOccurrenceDrainsToZero(t *testing.T) {
	configStore := newTestStore(t)
	ctx := context.Background()

	if err := configStore.SaveRemainingOccurrences(ctx, 7, 2); err != nil {
		t.Fatalf("failed to seed counter: %v", err)
	}

	sequence := []int{2, 1}
	for i, expected := range sequence {
		remaining, consumed, err := configStore.ConsumeOccurrence(ctx, 7)
		if err != nil {
			t.Fatalf("consume %d failed: %v", i, err)
		}
		if !consumed || remaining != expected {
			t.Fatalf("consume %d: expected %d consumed, got %d consumed=%v", i, expected, remaining, consumed)
		}
	}

	if _, consumed, err := configStore.ConsumeOccurrence(ctx, 7); err != nil || consumed {
		t.Fatalf("drained counter must stop consuming, consumed=%v err=%v", consumed, err)
	}
}

func TestCountersAreKeyedPerStudy(t *testing.T) {
	configStore := newTestStore(t)
	ctx := context.Background()

	if err := configStore.SaveRemainingOccurrences(ctx, 7, 3); err != nil {
		t.Fatalf("failed to seed counter: %v", err)
	}
	if err := configStore.SaveRemainingOccurrences(ctx, 8, 1); err != nil {
		t.Fatalf("failed to seed counter: %v", err)
	}

	if _, consumed, err := configStore.ConsumeOccurrence(ctx, 7); err != nil || !consumed {
		t.Fatalf("failed to consume for study 7: consumed=%v err=%v", consumed, err)
	}

	other, err := configStore.RemainingOccurrences(ctx, 8)
	if err != nil || other != 1 {
		t.Fatalf("study 8 counter must be unaffected, got %d err %v", other, err)
	}
}
