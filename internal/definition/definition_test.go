package definition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-assessment/internal/assessment"
)

func TestParseSeedDocument(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "seeds", "intro-python.json"))
	require.NoError(t, err)

	doc, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "Intro to Python", doc.Title)
	require.Len(t, doc.Questions, 3)

	model := ToModel(doc)
	require.Equal(t, 1800, model.DurationSeconds)
	require.Equal(t, []string{"func", "def", "fn", "lambda"}, model.Questions[0].OptionList())
	require.Equal(t, 2, model.Questions[2].Position)

	items, err := Items(model)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, assessment.KindMCQ, items[0].Kind)
	require.Equal(t, "def", items[0].CorrectOption)
	require.Equal(t, assessment.KindCoding, items[1].Kind)
	require.Len(t, items[1].SampleCases, 2)
	require.Len(t, items[1].HiddenCases, 2)
	require.Equal(t, []assessment.Language{assessment.LanguagePython, assessment.LanguageJavaScript, assessment.LanguageGo}, items[1].Languages)
	require.NotNil(t, items[2].Tolerance)
	require.InDelta(t, 0.001, *items[2].Tolerance, 1e-9)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing questions":   `{"title": "x", "duration_seconds": 60}`,
		"zero duration":       `{"title": "x", "duration_seconds": 0, "questions": [{"kind": "mcq", "max_score": 1, "options": ["a"], "correct_option": "a"}]}`,
		"unknown kind":        `{"title": "x", "duration_seconds": 60, "questions": [{"kind": "essay", "max_score": 1}]}`,
		"mcq without options": `{"title": "x", "duration_seconds": 60, "questions": [{"kind": "mcq", "max_score": 1}]}`,
		"unknown language":    `{"title": "x", "duration_seconds": 60, "questions": [{"kind": "coding", "max_score": 1, "languages": ["ruby"], "sample_cases": [{"input": "", "expected": ""}]}]}`,
		"not json":            `{"title":`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestParseRejectsSemanticViolations(t *testing.T) {
	wrongAnswer := `{"title": "x", "duration_seconds": 60, "questions": [{"kind": "mcq", "max_score": 1, "options": ["a", "b"], "correct_option": "c"}]}`
	_, err := Parse([]byte(wrongAnswer))
	require.ErrorIs(t, err, ErrInvalidDefinition)

	noCases := `{"title": "x", "duration_seconds": 60, "questions": [{"kind": "coding", "max_score": 1}]}`
	_, err = Parse([]byte(noCases))
	require.ErrorIs(t, err, ErrInvalidDefinition)
}
