// Package alarm provides the durable wake-up facility behind periodic
// questionnaire reminders. Registrations are persisted so they survive
// process restarts; on startup every stored registration is re-armed, firing
// immediately when its wall-clock time passed while the process was down.
package alarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mimuc/sense-agent/internal/esm"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("alarm: database connection required")
	errMissingHandler  = errors.New("alarm: fire handler is required")
)

// Registration is the durable record of one armed alarm.
type Registration struct {
	Identifier       string `gorm:"column:identifier;primaryKey;size:190;not null"`
	FireAtMillis     int64  `gorm:"column:fire_at_ms;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Registration) TableName() string {
	return "alarm_registrations"
}

// Handler receives the payload of a fired alarm.
type Handler func(payload esm.AlarmPayload)

// FacilityConfig bundles the facility's dependencies.
type FacilityConfig struct {
	Database *gorm.DB
	Handler  Handler
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Facility implements the esm.AlarmFacility contract on persisted timers.
type Facility struct {
	db      *gorm.DB
	handler Handler
	clock   func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewFacility constructs the facility with validated configuration.
func NewFacility(cfg FacilityConfig) (*Facility, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Facility{
		db:      cfg.Database,
		handler: cfg.Handler,
		clock:   clock,
		logger:  logger,
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Start re-arms every persisted registration. Alarms whose fire time passed
// while the process was down fire immediately.
func (f *Facility) Start() error {
	var stored []Registration
	if err := f.db.Find(&stored).Error; err != nil {
		return fmt.Errorf("alarm: load registrations: %w", err)
	}
	for _, registration := range stored {
		f.armTimer(registration.Identifier, time.UnixMilli(registration.FireAtMillis))
	}
	f.logger.Info("alarm facility started", zap.Int("restored", len(stored)))
	return nil
}

// Stop cancels all in-process timers. Persisted registrations are kept so a
// later Start can restore them.
func (f *Facility) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	for identifier, timer := range f.timers {
		timer.Stop()
		delete(f.timers, identifier)
	}
}

// Arm durably registers an alarm for the identifier. An existing registration
// under the same identifier is replaced, never duplicated.
func (f *Facility) Arm(identifier string, at time.Time, payload esm.AlarmPayload) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alarm: encode payload: %w", err)
	}

	registration := Registration{
		Identifier:       identifier,
		FireAtMillis:     at.UnixMilli(),
		PayloadJSON:      string(encoded),
		CreatedAtSeconds: f.clock().UTC().Unix(),
	}
	err = f.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identifier"}},
		DoUpdates: clause.AssignmentColumns([]string{"fire_at_ms", "payload_json", "created_at_s"}),
	}).Create(&registration).Error
	if err != nil {
		return fmt.Errorf("alarm: persist registration: %w", err)
	}

	f.armTimer(identifier, at)
	f.logger.Debug("alarm armed",
		zap.String("identifier", identifier),
		zap.Time("fire_at", at))
	return nil
}

// Cancel removes the registration and its timer, when present.
func (f *Facility) Cancel(identifier string) error {
	f.mu.Lock()
	if timer, ok := f.timers[identifier]; ok {
		timer.Stop()
		delete(f.timers, identifier)
	}
	f.mu.Unlock()

	err := f.db.Where("identifier = ?", identifier).Delete(&Registration{}).Error
	if err != nil {
		return fmt.Errorf("alarm: delete registration: %w", err)
	}
	return nil
}

// Pending reports whether the identifier currently holds a registration.
func (f *Facility) Pending(identifier string) (bool, error) {
	var count int64
	err := f.db.Model(&Registration{}).Where("identifier = ?", identifier).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("alarm: count registrations: %w", err)
	}
	return count > 0, nil
}

func (f *Facility) armTimer(identifier string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	if timer, ok := f.timers[identifier]; ok {
		timer.Stop()
	}

	delay := at.Sub(f.clock())
	if delay < 0 {
		delay = 0
	}
	f.timers[identifier] = time.AfterFunc(delay, func() {
		f.fire(identifier)
	})
}

func (f *Facility) fire(identifier string) {
	f.mu.Lock()
	delete(f.timers, identifier)
	f.mu.Unlock()

	var registration Registration
	err := f.db.Where("identifier = ?", identifier).Take(&registration).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	if err != nil {
		f.logger.Error("alarm fire lookup failed",
			zap.String("identifier", identifier),
			zap.Error(err))
		return
	}

	if err := f.db.Where("identifier = ?", identifier).Delete(&Registration{}).Error; err != nil {
		f.logger.Error("alarm registration cleanup failed",
			zap.String("identifier", identifier),
			zap.Error(err))
	}

	var payload esm.AlarmPayload
	if err := json.Unmarshal([]byte(registration.PayloadJSON), &payload); err != nil {
		f.logger.Error("alarm payload decode failed",
			zap.String("identifier", identifier),
			zap.Error(err))
		return
	}

	f.logger.Info("alarm fired", zap.String("identifier", identifier))
	f.handler(payload)
}
