// Package notify is the in-process stand-in for the OS notification surface.
// The UI layer polls the control API for active reminders and the current
// questionnaire launch; "tapping" a reminder is the open endpoint.
package notify

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reminder is one raised notification awaiting the participant.
type Reminder struct {
	TriggerID int       `json:"triggerId"`
	Title     string    `json:"title"`
	PostedAt  time.Time `json:"postedAt"`
}

// Launch is the single-flight questionnaire surface: the payload and pending
// row the UI must open. A new launch replaces the previous one, mirroring a
// task stack that is cleared on every prompt.
type Launch struct {
	PendingID   string    `json:"pendingId"`
	PayloadJSON string    `json:"payload"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// CenterConfig bundles the notification center's dependencies.
type CenterConfig struct {
	Clock  func() time.Time
	Logger *zap.Logger
}

// Center keeps active reminders keyed by trigger id plus the current launch.
// Posting a reminder for a trigger that already has one replaces it.
type Center struct {
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	reminders map[int]Reminder
	launch    *Launch
}

// NewCenter constructs the notification center.
func NewCenter(cfg CenterConfig) *Center {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Center{
		clock:     clock,
		logger:    logger,
		reminders: make(map[int]Reminder),
	}
}

// Notify raises a reminder for the trigger, replacing any prior one under the
// same trigger id.
func (c *Center) Notify(triggerID int, title string) {
	c.mu.Lock()
	c.reminders[triggerID] = Reminder{
		TriggerID: triggerID,
		Title:     title,
		PostedAt:  c.clock().UTC(),
	}
	c.mu.Unlock()

	c.logger.Info("reminder posted",
		zap.Int("trigger_id", triggerID),
		zap.String("title", title))
}

// LaunchQuestionnaire surfaces the questionnaire to the UI layer, replacing
// any launch currently pending.
func (c *Center) LaunchQuestionnaire(payloadJSON string, pendingID string) {
	c.mu.Lock()
	c.launch = &Launch{
		PendingID:   pendingID,
		PayloadJSON: payloadJSON,
		IssuedAt:    c.clock().UTC(),
	}
	c.mu.Unlock()

	c.logger.Info("questionnaire launch issued", zap.String("pending_id", pendingID))
}

// Active lists raised reminders, oldest first.
func (c *Center) Active() []Reminder {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := make([]Reminder, 0, len(c.reminders))
	for _, reminder := range c.reminders {
		active = append(active, reminder)
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].PostedAt.Before(active[j].PostedAt)
	})
	return active
}

// Open dismisses the reminder for the trigger and hands it to the caller.
// The UI launches the questionnaire with the returned trigger id.
func (c *Center) Open(triggerID int) (Reminder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reminder, ok := c.reminders[triggerID]
	if ok {
		delete(c.reminders, triggerID)
	}
	return reminder, ok
}

// CurrentLaunch returns and clears the pending launch, when present.
func (c *Center) CurrentLaunch() (Launch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.launch == nil {
		return Launch{}, false
	}
	launch := *c.launch
	c.launch = nil
	return launch, true
}
