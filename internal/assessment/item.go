package assessment

import (
	"fmt"
	"slices"
	"strings"
)

// MaxTestRuns is the default per-item test run quota.
const MaxTestRuns = 25

// ItemID is the index of an item within its session.
type ItemID int

// Kind distinguishes multiple choice from coding items.
type Kind string

const (
	KindMCQ    Kind = "mcq"
	KindCoding Kind = "coding"
)

// Language enumerates the supported coding languages.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageGo         Language = "go"
	LanguageJava       Language = "java"
	LanguageCPP        Language = "cpp"
)

// Languages lists every supported language.
var Languages = []Language{LanguagePython, LanguageJavaScript, LanguageGo, LanguageJava, LanguageCPP}

// ParseLanguage normalises and validates a language name.
func ParseLanguage(raw string) (Language, bool) {
	lang := Language(strings.ToLower(strings.TrimSpace(raw)))
	return lang, slices.Contains(Languages, lang)
}

// ItemDefinition is the immutable description of a question.
type ItemDefinition struct {
	Kind          Kind
	MaxScore      float64
	Options       []string
	CorrectOption string
	SampleCases   []TestCase
	HiddenCases   []TestCase
	Languages     []Language
	Tolerance     *float64
}

// ValidateItem reports whether def can seed a session item.
func ValidateItem(def ItemDefinition) error { return def.validate() }

func (d ItemDefinition) validate() error {
	if d.MaxScore < 0 {
		return fmt.Errorf("max score must not be negative")
	}
	switch d.Kind {
	case KindMCQ:
		if len(d.Options) == 0 {
			return fmt.Errorf("mcq item needs options")
		}
		if !slices.Contains(d.Options, d.CorrectOption) {
			return fmt.Errorf("correct option %q is not one of the options", d.CorrectOption)
		}
	case KindCoding:
		if len(d.SampleCases)+len(d.HiddenCases) == 0 {
			return fmt.Errorf("coding item needs at least one case")
		}
		for _, lang := range d.Languages {
			if !slices.Contains(Languages, lang) {
				return fmt.Errorf("unsupported language %q", lang)
			}
		}
		if d.Tolerance != nil && *d.Tolerance < 0 {
			return fmt.Errorf("tolerance must not be negative")
		}
	default:
		return fmt.Errorf("unknown item kind %q", d.Kind)
	}
	return nil
}

func (d ItemDefinition) allows(lang Language) bool {
	if len(d.Languages) == 0 {
		return slices.Contains(Languages, lang)
	}
	return slices.Contains(d.Languages, lang)
}

func (d ItemDefinition) cases(mode Mode) []Case {
	var cases []Case
	switch mode {
	case ModeTestRun:
		for _, c := range d.SampleCases {
			cases = append(cases, Case{TestCase: c})
		}
	case ModeSubmit:
		for _, c := range d.SampleCases {
			cases = append(cases, Case{TestCase: c})
		}
		for _, c := range d.HiddenCases {
			cases = append(cases, Case{TestCase: c, Hidden: true})
		}
	}
	return cases
}

// Answer is an item's answer state. MCQ items use Option; coding items use
// Code and Language.
type Answer struct {
	Option   string   `json:"option,omitempty"`
	Code     string   `json:"code,omitempty"`
	Language Language `json:"language,omitempty"`
}

// Empty reports whether the answer counts as unanswered for kind.
func (a Answer) Empty(kind Kind) bool {
	if kind == KindMCQ {
		return strings.TrimSpace(a.Option) == ""
	}
	return strings.TrimSpace(a.Code) == ""
}

// AnswerPatch carries the fields a write replaces. Nil fields are kept.
type AnswerPatch struct {
	Option   *string
	Code     *string
	Language *Language
}

// PatchFrom builds a patch replacing every field of a.
func PatchFrom(a Answer) AnswerPatch {
	return AnswerPatch{Option: &a.Option, Code: &a.Code, Language: &a.Language}
}

// ItemState is the mutable record of one item.
type ItemState struct {
	ID         ItemID
	Definition ItemDefinition
	Answer     Answer
	RunsUsed   int
	LastResult *Result
	Locked     bool
	Score      float64
	MaxScore   float64
}

func (s ItemState) clone() ItemState {
	if s.LastResult != nil {
		res := s.LastResult.clone()
		s.LastResult = &res
	}
	return s
}

// Store holds the fixed set of items created at session start. It is not
// safe for concurrent use; the owning Session serialises access.
type Store struct {
	items   []ItemState
	maxRuns int
}

// NewStore seeds one unlocked item per definition with zero run counters.
func NewStore(defs []ItemDefinition, maxRuns int) *Store {
	if maxRuns <= 0 {
		maxRuns = MaxTestRuns
	}
	items := make([]ItemState, len(defs))
	for i, def := range defs {
		items[i] = ItemState{ID: ItemID(i), Definition: def, MaxScore: def.MaxScore}
	}
	return &Store{items: items, maxRuns: maxRuns}
}

// Len returns the number of items.
func (s *Store) Len() int { return len(s.items) }

// MaxRuns returns the test run quota.
func (s *Store) MaxRuns() int { return s.maxRuns }

func (s *Store) item(id ItemID) (*ItemState, error) {
	if id < 0 || int(id) >= len(s.items) {
		return nil, itemError(ErrUnknownItem, id, "session has %d items", len(s.items))
	}
	return &s.items[id], nil
}

// Get returns a copy of the item.
func (s *Store) Get(id ItemID) (ItemState, error) {
	item, err := s.item(id)
	if err != nil {
		return ItemState{}, err
	}
	return item.clone(), nil
}

// All returns copies of every item in order.
func (s *Store) All() []ItemState {
	out := make([]ItemState, len(s.items))
	for i := range s.items {
		out[i] = s.items[i].clone()
	}
	return out
}

// Write merges patch into the item's answer.
func (s *Store) Write(id ItemID, patch AnswerPatch) error {
	item, err := s.item(id)
	if err != nil {
		return err
	}
	if item.Locked {
		return itemError(ErrItemLocked, id, "answer cannot change after submission")
	}
	if patch.Option != nil {
		item.Answer.Option = *patch.Option
	}
	if patch.Code != nil {
		item.Answer.Code = *patch.Code
	}
	if patch.Language != nil {
		item.Answer.Language = *patch.Language
	}
	return nil
}

// CheckQuota fails when a test run would exceed the quota given reserved
// runs still in flight. Other modes always pass.
func (s *Store) CheckQuota(id ItemID, mode Mode, reserved int) error {
	item, err := s.item(id)
	if err != nil {
		return err
	}
	if mode == ModeTestRun && item.RunsUsed+reserved >= s.maxRuns {
		return itemError(ErrQuotaExceeded, id, "%d of %d test runs used", item.RunsUsed, s.maxRuns)
	}
	return nil
}

// IncrementRunCounter counts a test run. Dry runs and submits are never
// counted and never fail on quota.
func (s *Store) IncrementRunCounter(id ItemID, mode Mode) error {
	item, err := s.item(id)
	if err != nil {
		return err
	}
	if item.Locked {
		return itemError(ErrItemLocked, id, "run counter is frozen")
	}
	if mode != ModeTestRun {
		return nil
	}
	if item.RunsUsed >= s.maxRuns {
		return itemError(ErrQuotaExceeded, id, "%d of %d test runs used", item.RunsUsed, s.maxRuns)
	}
	item.RunsUsed++
	return nil
}

// SetResult records the latest evaluation outcome.
func (s *Store) SetResult(id ItemID, res Result) error {
	item, err := s.item(id)
	if err != nil {
		return err
	}
	if item.Locked {
		return itemError(ErrItemLocked, id, "result cannot change after submission")
	}
	cp := res.clone()
	item.LastResult = &cp
	return nil
}

// Finalize records the submit result and score, then locks the item.
func (s *Store) Finalize(id ItemID, res Result, score float64) error {
	if err := s.SetResult(id, res); err != nil {
		return err
	}
	item := &s.items[id]
	item.Score = score
	item.MaxScore = item.Definition.MaxScore
	item.Locked = true
	return nil
}

// Lock marks the item immutable. Locking a locked item succeeds.
func (s *Store) Lock(id ItemID) error {
	item, err := s.item(id)
	if err != nil {
		return err
	}
	item.Locked = true
	return nil
}
