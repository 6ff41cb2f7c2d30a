package schemas

import "time"

// InteractionKind classifies what an interaction did to the application.
type InteractionKind string

const (
	KindNavigation     InteractionKind = "navigation"
	KindFormSubmission InteractionKind = "form_submission"
	KindStateChange    InteractionKind = "state_change"
)

// Transition is a directed edge between two pages triggered by one
// interaction. Transitions are never modified after they are recorded.
type Transition struct {
	ID             string          `json:"id" yaml:"id"`
	RunID          string          `json:"run_id" yaml:"run_id"`
	SourcePageID   string          `json:"source_page_id" yaml:"source_page_id"`
	TargetPageID   string          `json:"target_page_id" yaml:"target_page_id"`
	Kind           InteractionKind `json:"kind" yaml:"kind"`
	Description    string          `json:"description" yaml:"description"`
	Locator        Locator         `json:"locator" yaml:"locator"`
	FormSubmission bool            `json:"form_submission" yaml:"form_submission"`
	DiscoveredAt   time.Time       `json:"discovered_at" yaml:"discovered_at"`
}

// UserJourney is an ordered chain of transitions, each starting where the
// previous one ended.
type UserJourney struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description" yaml:"description"`
	Steps       []Transition `json:"steps" yaml:"steps"`
}

// Len is the number of transitions in the journey.
func (j UserJourney) Len() int { return len(j.Steps) }

// FieldState is the observable state of one form field.
type FieldState struct {
	Key     string   `json:"key" yaml:"key"`
	Tag     string   `json:"tag" yaml:"tag"`
	Type    string   `json:"type,omitempty" yaml:"type,omitempty"`
	Visible bool     `json:"visible" yaml:"visible"`
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Options []string `json:"options,omitempty" yaml:"options,omitempty"`
}

// InteractionRecord is one entry of the exploration log.
type InteractionRecord struct {
	PageID     string       `json:"page_id" yaml:"page_id"`
	Locator    Locator      `json:"locator" yaml:"locator"`
	Controller string       `json:"controller" yaml:"controller"`
	Action     string       `json:"action" yaml:"action"`
	URLChanged bool         `json:"url_changed" yaml:"url_changed"`
	Before     []FieldState `json:"before" yaml:"before"`
	After      []FieldState `json:"after" yaml:"after"`
	At         time.Time    `json:"at" yaml:"at"`
}

// DependencyEffect is how a controller field influenced another field.
type DependencyEffect string

const (
	EffectVisibility DependencyEffect = "visibility"
	EffectEnabled    DependencyEffect = "enabled"
	EffectOptions    DependencyEffect = "options"
)

// FieldDependency says the controlled field changes when the controller is
// used. Each (Controlled, Controller) pair appears once; Effects lists every
// kind of change observed for it.
type FieldDependency struct {
	Controlled string             `json:"controlled" yaml:"controlled"`
	Controller string             `json:"controller" yaml:"controller"`
	Effects    []DependencyEffect `json:"effects" yaml:"effects"`
}
