package esm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCatalogUnavailable reports that the trigger catalog could not be built
// from the config store. Callers must treat the catalog as empty until a
// successful load.
var ErrCatalogUnavailable = errors.New("esm: trigger catalog unavailable")

// ConfigStore is the durable participant/session state the engine consumes.
// Writes are atomic per key; the scheduler and the upload pipeline own
// disjoint key sets.
type ConfigStore interface {
	Questionnaires(ctx context.Context) ([]FullQuestionnaire, error)
	QuestionnairesVersion(ctx context.Context) (int64, error)
	// ConsumeOccurrence atomically reads the remaining-occurrence counter for
	// the study and, when it is still positive, persists a single decrement.
	// It returns the pre-decrement value and whether an occurrence was
	// consumed. A counter at or below zero is left untouched.
	ConsumeOccurrence(ctx context.Context, studyID int64) (int, bool, error)
}

// Catalog is the read-mostly projection of all questionnaire triggers. It is
// a versioned snapshot of the config store's questionnaire set: the flattened
// trigger union is rebuilt whenever the store's version moves, never on every
// read.
type Catalog struct {
	store ConfigStore

	mu              sync.RWMutex
	loadedVersion   int64
	triggers        []Trigger
	byQuestionnaire map[int]FullQuestionnaire
}

// NewCatalog constructs an empty catalog over the provided config store.
func NewCatalog(store ConfigStore) (*Catalog, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: config store required", ErrCatalogUnavailable)
	}
	return &Catalog{
		store:         store,
		loadedVersion: -1,
	}, nil
}

// Load (re)builds the snapshot when the store's questionnaire version differs
// from the one last loaded. A store read failure empties the catalog and is
// reported as a catalog-unavailable condition.
func (c *Catalog) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	version, err := c.store.QuestionnairesVersion(ctx)
	if err != nil {
		c.reset()
		return fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	if c.loadedVersion >= 0 && version == c.loadedVersion {
		return nil
	}

	questionnaires, err := c.store.Questionnaires(ctx)
	if err != nil {
		c.reset()
		return fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	triggers := make([]Trigger, 0)
	byQuestionnaire := make(map[int]FullQuestionnaire, len(questionnaires))
	for _, full := range questionnaires {
		byQuestionnaire[full.Questionnaire.ID] = full
		for _, trigger := range full.Triggers {
			if trigger.Validate() != nil {
				continue
			}
			triggers = append(triggers, trigger)
		}
	}

	c.loadedVersion = version
	c.triggers = triggers
	c.byQuestionnaire = byQuestionnaire
	return nil
}

// TriggersOfKind returns the loaded triggers matching the variant tag.
func (c *Catalog) TriggersOfKind(kind TriggerKind) []Trigger {
	c.mu.RLock()
	defer c.mu.RUnlock()

	matched := make([]Trigger, 0, len(c.triggers))
	for _, trigger := range c.triggers {
		if trigger.Kind == kind {
			matched = append(matched, trigger)
		}
	}
	return matched
}

// QuestionnaireFor resolves the loaded questionnaire for the identifier.
func (c *Catalog) QuestionnaireFor(questionnaireID int) (FullQuestionnaire, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	full, ok := c.byQuestionnaire[questionnaireID]
	return full, ok
}

// Version exposes the store version the current snapshot was built from, or
// -1 when the catalog has never loaded.
func (c *Catalog) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedVersion
}

func (c *Catalog) reset() {
	c.loadedVersion = -1
	c.triggers = nil
	c.byQuestionnaire = nil
}
