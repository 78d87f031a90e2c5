package evaluation

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/gema-assessment/internal/assessment"
)

// ScriptedBackend is a deterministic Backend that answers from a table
// keyed by source code and stdin.
type ScriptedBackend struct {
	mu      sync.Mutex
	scripts map[string]map[string]Execution
	delay   time.Duration
	calls   int
}

// NewScriptedBackend returns an empty scripted backend.
func NewScriptedBackend() *ScriptedBackend {
	return &ScriptedBackend{scripts: make(map[string]map[string]Execution)}
}

// On makes code print stdout when given stdin.
func (b *ScriptedBackend) On(code, stdin, stdout string) *ScriptedBackend {
	return b.OnExecution(code, stdin, Execution{Stdout: stdout})
}

// OnExecution registers a full execution outcome.
func (b *ScriptedBackend) OnExecution(code, stdin string, exec Execution) *ScriptedBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scripts[code] == nil {
		b.scripts[code] = make(map[string]Execution)
	}
	b.scripts[code][stdin] = exec
	return b
}

// WithDelay makes every call wait d, honouring context cancellation.
func (b *ScriptedBackend) WithDelay(d time.Duration) *ScriptedBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
	return b
}

// Calls returns the number of Execute calls made.
func (b *ScriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Execute implements Backend.
func (b *ScriptedBackend) Execute(ctx context.Context, _ assessment.Language, code, stdin string) (Execution, error) {
	b.mu.Lock()
	b.calls++
	delay := b.delay
	exec, ok := b.scripts[code][stdin]
	b.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Execution{}, ctx.Err()
		}
	}

	if !ok {
		return Execution{Stderr: "no scripted output", ExitCode: 1}, nil
	}
	return exec, nil
}
