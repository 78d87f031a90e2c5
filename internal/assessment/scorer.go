package assessment

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// GradeBand maps a minimum percentage to a grade.
type GradeBand struct {
	Min   int    `json:"min"`
	Grade string `json:"grade"`
}

// GradeTable is evaluated as first match in descending Min order.
type GradeTable []GradeBand

// FallbackGrade is returned when no band matches.
const FallbackGrade = "F"

// DefaultGradeTable returns the standard banding.
func DefaultGradeTable() GradeTable {
	return GradeTable{
		{Min: 90, Grade: "A+"},
		{Min: 80, Grade: "A"},
		{Min: 70, Grade: "B+"},
		{Min: 60, Grade: "B"},
		{Min: 50, Grade: "C"},
		{Min: 40, Grade: "D"},
		{Min: 0, Grade: "F"},
	}
}

// ParseGradeTable parses "90:A+,80:A,0:F" into a descending table.
func ParseGradeTable(raw string) (GradeTable, error) {
	var table GradeTable
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		minRaw, grade, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(grade) == "" {
			return nil, fmt.Errorf("grade band %q: expected min:grade", part)
		}
		threshold, err := strconv.Atoi(strings.TrimSpace(minRaw))
		if err != nil {
			return nil, fmt.Errorf("grade band %q: %w", part, err)
		}
		table = append(table, GradeBand{Min: threshold, Grade: strings.TrimSpace(grade)})
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("grade table is empty")
	}
	sort.SliceStable(table, func(i, j int) bool { return table[i].Min > table[j].Min })
	return table, nil
}

// Grade returns the first band whose Min the percentage reaches.
func (t GradeTable) Grade(percentage int) string {
	for _, band := range t {
		if percentage >= band.Min {
			return band.Grade
		}
	}
	return FallbackGrade
}

// ScoringPolicy controls item scores and banding. Without Fractional,
// partial credit is floored to an integer; full credit is always MaxScore.
type ScoringPolicy struct {
	Fractional bool
	Grades     GradeTable
}

// ItemScore converts a submit result to a score out of def.MaxScore.
func (p ScoringPolicy) ItemScore(def ItemDefinition, res Result) float64 {
	if res.Total == 0 || def.MaxScore == 0 {
		return 0
	}
	if res.Passed >= res.Total {
		return def.MaxScore
	}
	raw := def.MaxScore * float64(res.Passed) / float64(res.Total)
	if p.Fractional {
		return math.Round(raw*100) / 100
	}
	return math.Floor(raw)
}

// ItemBreakdown is the per-item line of a summary.
type ItemBreakdown struct {
	Item     ItemID  `json:"item"`
	Kind     Kind    `json:"kind"`
	Answered bool    `json:"answered"`
	Passed   int     `json:"passed"`
	Total    int     `json:"total"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
}

// Summary is the final result of a terminated session.
type Summary struct {
	TotalScore float64         `json:"total_score"`
	MaxScore   float64         `json:"max_score"`
	Percentage int             `json:"percentage"`
	Grade      string          `json:"grade"`
	Items      []ItemBreakdown `json:"items"`
}

// Score reduces final item states into a summary. It has no side effects.
func Score(items []ItemState, policy ScoringPolicy) Summary {
	grades := policy.Grades
	if len(grades) == 0 {
		grades = DefaultGradeTable()
	}

	summary := Summary{Items: make([]ItemBreakdown, 0, len(items))}
	for _, item := range items {
		line := ItemBreakdown{
			Item:     item.ID,
			Kind:     item.Definition.Kind,
			Answered: !item.Answer.Empty(item.Definition.Kind),
			Score:    item.Score,
			MaxScore: item.MaxScore,
		}
		if item.LastResult != nil {
			line.Passed = item.LastResult.Passed
			line.Total = item.LastResult.Total
		}
		summary.TotalScore += item.Score
		summary.MaxScore += item.MaxScore
		summary.Items = append(summary.Items, line)
	}

	if summary.MaxScore > 0 {
		summary.Percentage = int(math.Round(100 * summary.TotalScore / summary.MaxScore))
	}
	summary.Grade = grades.Grade(summary.Percentage)
	return summary
}
