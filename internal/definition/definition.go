// Package definition loads assessment definitions from JSON documents and
// converts stored definitions into session items.
package definition

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-assessment/internal/assessment"
	"github.com/noah-isme/gema-assessment/internal/models"
)

const schemaURL = "https://gema.local/schemas/assessment.schema.json"

//go:embed assessment.schema.json
var schemaSource string

// ErrInvalidDefinition is returned when a document fails schema or semantic checks.
var ErrInvalidDefinition = errors.New("invalid assessment definition")

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Case is a test case within a document.
type Case struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// Question is one question within a document.
type Question struct {
	Kind          string   `json:"kind"`
	Prompt        string   `json:"prompt,omitempty"`
	MaxScore      float64  `json:"max_score"`
	Options       []string `json:"options,omitempty"`
	CorrectOption string   `json:"correct_option,omitempty"`
	SampleCases   []Case   `json:"sample_cases,omitempty"`
	HiddenCases   []Case   `json:"hidden_cases,omitempty"`
	Languages     []string `json:"languages,omitempty"`
	Tolerance     *float64 `json:"tolerance,omitempty"`
	StarterCode   string   `json:"starter_code,omitempty"`
}

// Document is the on-disk form of an assessment.
type Document struct {
	Title             string     `json:"title"`
	DurationSeconds   int        `json:"duration_seconds"`
	FractionalScoring bool       `json:"fractional_scoring,omitempty"`
	Questions         []Question `json:"questions"`
}

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, strings.NewReader(schemaSource)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// Parse validates raw against the definition schema and decodes it. The
// decoded document is also checked against the engine's item rules.
func Parse(raw []byte) (Document, error) {
	s, err := schema()
	if err != nil {
		return Document{}, fmt.Errorf("compile definition schema: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := s.Validate(generic); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	model := ToModel(doc)
	if _, err := Items(model); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// ToModel converts a document into a storable assessment.
func ToModel(doc Document) models.Assessment {
	out := models.Assessment{
		Title:             strings.TrimSpace(doc.Title),
		DurationSeconds:   doc.DurationSeconds,
		FractionalScoring: doc.FractionalScoring,
		Questions:         make([]models.Question, 0, len(doc.Questions)),
	}
	for i, q := range doc.Questions {
		question := models.Question{
			Position:      i,
			Kind:          q.Kind,
			Prompt:        q.Prompt,
			MaxScore:      q.MaxScore,
			CorrectOption: q.CorrectOption,
			Tolerance:     q.Tolerance,
			StarterCode:   q.StarterCode,
		}
		question.SetOptions(q.Options)
		question.SetSampleCases(toModelCases(q.SampleCases))
		question.SetHiddenCases(toModelCases(q.HiddenCases))
		question.SetLanguages(q.Languages)
		out.Questions = append(out.Questions, question)
	}
	return out
}

// Items converts a stored assessment into the item definitions a session
// starts with, in question order.
func Items(a models.Assessment) ([]assessment.ItemDefinition, error) {
	if len(a.Questions) == 0 {
		return nil, fmt.Errorf("%w: no questions", ErrInvalidDefinition)
	}

	items := make([]assessment.ItemDefinition, 0, len(a.Questions))
	for i, q := range a.Questions {
		def := assessment.ItemDefinition{
			Kind:          assessment.Kind(q.Kind),
			MaxScore:      q.MaxScore,
			Options:       q.OptionList(),
			CorrectOption: q.CorrectOption,
			SampleCases:   toEngineCases(q.SampleCaseList()),
			HiddenCases:   toEngineCases(q.HiddenCaseList()),
			Tolerance:     q.Tolerance,
		}
		for _, raw := range q.LanguageList() {
			lang, ok := assessment.ParseLanguage(raw)
			if !ok {
				return nil, fmt.Errorf("%w: question %d: unsupported language %q", ErrInvalidDefinition, i, raw)
			}
			def.Languages = append(def.Languages, lang)
		}
		if err := assessment.ValidateItem(def); err != nil {
			return nil, fmt.Errorf("%w: question %d: %v", ErrInvalidDefinition, i, err)
		}
		items = append(items, def)
	}
	return items, nil
}

func toModelCases(cases []Case) []models.TestCase {
	out := make([]models.TestCase, 0, len(cases))
	for _, c := range cases {
		out = append(out, models.TestCase{Input: c.Input, Expected: c.Expected})
	}
	return out
}

func toEngineCases(cases []models.TestCase) []assessment.TestCase {
	if len(cases) == 0 {
		return nil
	}
	out := make([]assessment.TestCase, 0, len(cases))
	for _, c := range cases {
		out = append(out, assessment.TestCase{Input: c.Input, Expected: c.Expected})
	}
	return out
}
