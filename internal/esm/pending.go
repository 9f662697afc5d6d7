package esm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	errPendingMissingDatabase   = errors.New("esm: database handle is required")
	errPendingMissingIDProvider = errors.New("esm: id provider is required")
)

// IDProvider issues identifiers for durable pending-questionnaire rows.
type IDProvider interface {
	NewID() (string, error)
}

// PendingStoreConfig bundles the dependencies of the pending-questionnaire store.
type PendingStoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// PendingStore persists issued ESM prompts so they survive process death.
type PendingStore struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
}

// NewPendingStore constructs the store with validated configuration.
func NewPendingStore(cfg PendingStoreConfig) (*PendingStore, error) {
	if cfg.Database == nil {
		return nil, errPendingMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errPendingMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PendingStore{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
	}, nil
}

// Insert durably records an issued prompt for the questionnaire and returns
// the stored row. The expiry window starts at insertion time.
func (s *PendingStore) Insert(ctx context.Context, questionnaire FullQuestionnaire) (PendingQuestionnaire, error) {
	payload, err := json.Marshal(questionnaire)
	if err != nil {
		return PendingQuestionnaire{}, fmt.Errorf("esm: serialize pending payload: %w", err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return PendingQuestionnaire{}, fmt.Errorf("esm: pending id generation: %w", err)
	}

	createdAt := s.clock().UTC()
	record := PendingQuestionnaire{
		ID:              id,
		CreatedAtMillis: createdAt.UnixMilli(),
		ExpiresAtMillis: createdAt.Add(PendingQuestionnaireTTL).UnixMilli(),
		PayloadJSON:     string(payload),
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return PendingQuestionnaire{}, fmt.Errorf("esm: insert pending questionnaire: %w", err)
	}
	return record, nil
}

// Get returns the pending prompt by identifier, when present.
func (s *PendingStore) Get(ctx context.Context, id string) (PendingQuestionnaire, bool, error) {
	var record PendingQuestionnaire
	err := s.db.WithContext(ctx).Where("pending_id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingQuestionnaire{}, false, nil
	}
	if err != nil {
		return PendingQuestionnaire{}, false, fmt.Errorf("esm: load pending questionnaire: %w", err)
	}
	return record, true, nil
}
