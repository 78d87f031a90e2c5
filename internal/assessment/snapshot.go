package assessment

// ItemSnapshot is the presentation view of one item.
type ItemSnapshot struct {
	ID         ItemID   `json:"id"`
	Kind       Kind     `json:"kind"`
	Answer     Answer   `json:"answer"`
	Locked     bool     `json:"locked"`
	Submitting bool     `json:"submitting"`
	RunsUsed   int      `json:"runs_used"`
	RunsLeft   int      `json:"runs_left"`
	LastResult *Result  `json:"last_result,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	MaxScore   float64  `json:"max_score"`
}

// Snapshot is an immutable copy of session state. Version increases with
// every state change.
type Snapshot struct {
	SessionID        string         `json:"session_id"`
	Status           Status         `json:"status"`
	Reason           Reason         `json:"reason,omitempty"`
	RemainingSeconds int            `json:"remaining_seconds"`
	TotalSeconds     int            `json:"total_seconds"`
	Version          uint64         `json:"version"`
	Items            []ItemSnapshot `json:"items"`
}

// Terminated reports whether the snapshot is final.
func (s Snapshot) Terminated() bool {
	return s.Status == StatusTerminated
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:        s.id,
		Status:           s.status,
		Reason:           s.reason,
		RemainingSeconds: s.clock.Remaining(),
		TotalSeconds:     s.total,
		Version:          s.version,
		Items:            make([]ItemSnapshot, 0, s.store.Len()),
	}
	if s.status != StatusTerminated {
		snap.Reason = ReasonNone
	}

	for _, item := range s.store.All() {
		view := ItemSnapshot{
			ID:         item.ID,
			Kind:       item.Definition.Kind,
			Answer:     item.Answer,
			Locked:     item.Locked,
			Submitting: s.submitting[item.ID] != nil,
			RunsUsed:   item.RunsUsed,
			RunsLeft:   max(s.store.MaxRuns()-item.RunsUsed, 0),
			MaxScore:   item.Definition.MaxScore,
		}
		if item.LastResult != nil {
			res := item.LastResult.Redacted()
			view.LastResult = &res
		}
		if item.Locked {
			score := item.Score
			view.Score = &score
		}
		snap.Items = append(snap.Items, view)
	}
	return snap
}
