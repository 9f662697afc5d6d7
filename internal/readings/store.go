package readings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrMissingDatabase indicates the store was constructed without a database handle.
var ErrMissingDatabase = errors.New("readings: database connection required")

// SensorReading is one captured sensor sample in the local write-ahead queue.
// Rows are appended by the capture subsystem and mutated only by the upload
// pipeline, which flips Synced on remote acknowledgment. Rows are never
// deleted by this engine.
type SensorReading struct {
	ID              int64  `gorm:"column:reading_id;primaryKey;autoIncrement"`
	SensorName      string `gorm:"column:sensor_name;size:190;not null"`
	TimestampMillis int64  `gorm:"column:timestamp_ms;not null"`
	Data            string `gorm:"column:data;type:text;not null"`
	Synced          bool   `gorm:"column:synced;not null;default:false;index:idx_readings_synced_order,priority:1"`
}

// TableName provides the explicit table binding for GORM.
func (SensorReading) TableName() string {
	return "sensor_readings"
}

// StoreConfig describes the dependencies of the reading store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store is the local durable queue of captured sensor readings.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs the reading store.
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

// Append durably records a captured reading at the tail of the queue. A zero
// timestamp is stamped with capture time.
func (s *Store) Append(ctx context.Context, sensorName, data string, timestampMillis int64) (SensorReading, error) {
	if timestampMillis == 0 {
		timestampMillis = s.clock().UTC().UnixMilli()
	}
	reading := SensorReading{
		SensorName:      sensorName,
		TimestampMillis: timestampMillis,
		Data:            data,
	}
	if err := s.db.WithContext(ctx).Create(&reading).Error; err != nil {
		return SensorReading{}, fmt.Errorf("readings: append: %w", err)
	}
	return reading, nil
}

// NextUnsynced fetches up to n unsynced readings in capture order.
func (s *Store) NextUnsynced(ctx context.Context, n int) ([]SensorReading, error) {
	var batch []SensorReading
	err := s.db.WithContext(ctx).
		Where("synced = ?", false).
		Order("reading_id ASC").
		Limit(n).
		Find(&batch).Error
	if err != nil {
		return nil, fmt.Errorf("readings: fetch unsynced: %w", err)
	}
	return batch, nil
}

// MarkSynced flips the synced flag for exactly the identified rows.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&SensorReading{}).
		Where("reading_id IN ?", ids).
		Update("synced", true).Error
	if err != nil {
		return fmt.Errorf("readings: mark synced: %w", err)
	}
	return nil
}

// UnsyncedCount reports the queue depth awaiting upload.
func (s *Store) UnsyncedCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&SensorReading{}).
		Where("synced = ?", false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("readings: count unsynced: %w", err)
	}
	return count, nil
}
