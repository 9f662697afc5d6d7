package esm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type fakeConfigStore struct {
	mu                sync.Mutex
	questionnaires    []FullQuestionnaire
	version           int64
	versionErr        error
	questionnairesErr error
	counters          map[int64]int
	consumeCalls      []int64
	enrolledStudyID   int64
}

func (f *fakeConfigStore) Questionnaires(ctx context.Context) ([]FullQuestionnaire, error) {
	if f.questionnairesErr != nil {
		return nil, f.questionnairesErr
	}
	return f.questionnaires, nil
}

func (f *fakeConfigStore) QuestionnairesVersion(ctx context.Context) (int64, error) {
	if f.versionErr != nil {
		return 0, f.versionErr
	}
	return f.version, nil
}

func (f *fakeConfigStore) ConsumeOccurrence(ctx context.Context, studyID int64) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumeCalls = append(f.consumeCalls, studyID)
	remaining := f.counters[studyID]
	if remaining <= 0 {
		return remaining, false, nil
	}
	f.counters[studyID] = remaining - 1
	return remaining, true, nil
}

func (f *fakeConfigStore) StudyID(ctx context.Context) (int64, error) {
	return f.enrolledStudyID, nil
}

type armedAlarm struct {
	identifier string
	at         time.Time
	payload    AlarmPayload
}

type fakeAlarmFacility struct {
	arms    []armedAlarm
	pending map[string]armedAlarm
	err     error
}

func newFakeAlarmFacility() *fakeAlarmFacility {
	return &fakeAlarmFacility{pending: make(map[string]armedAlarm)}
}

func (f *fakeAlarmFacility) Arm(identifier string, at time.Time, payload AlarmPayload) error {
	if f.err != nil {
		return f.err
	}
	registration := armedAlarm{identifier: identifier, at: at, payload: payload}
	f.arms = append(f.arms, registration)
	f.pending[identifier] = registration
	return nil
}

type launchedQuestionnaire struct {
	payloadJSON string
	pendingID   string
}

type fakeLauncher struct {
	launches []launchedQuestionnaire
}

func (f *fakeLauncher) LaunchQuestionnaire(payloadJSON string, pendingID string) {
	f.launches = append(f.launches, launchedQuestionnaire{payloadJSON: payloadJSON, pendingID: pendingID})
}

type postedReminder struct {
	triggerID int
	title     string
}

type fakeNotifier struct {
	reminders []postedReminder
}

func (f *fakeNotifier) Notify(triggerID int, title string) {
	f.reminders = append(f.reminders, postedReminder{triggerID: triggerID, title: title})
}

var testDatabaseSequence int

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	testDatabaseSequence++
	dsn := fmt.Sprintf("file:esm_test_%d?mode=memory&cache=shared", testDatabaseSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&PendingQuestionnaire{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestPendingStore(t *testing.T, clock func() time.Time, ids []string) *PendingStore {
	t.Helper()
	pending, err := NewPendingStore(PendingStoreConfig{
		Database:   openTestDatabase(t),
		Clock:      clock,
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to build pending store: %v", err)
	}
	return pending
}

func mustCatalog(t *testing.T, store ConfigStore) *Catalog {
	t.Helper()
	catalog, err := NewCatalog(store)
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	return catalog
}
