package evaluation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment/internal/assessment"
	dockerexec "github.com/noah-isme/gema-assessment/pkg/docker"
)

// ErrUnsupportedLanguage indicates no runtime image is configured for a language.
var ErrUnsupportedLanguage = errors.New("unsupported language")

const inputFileName = "input.txt"

// The sandbox root filesystem is read-only; /tmp is the only writable
// location besides the workspace.
var sandboxEnv = []string{"HOME=/tmp"}

// DockerConfig describes execution configuration knobs.
type DockerConfig struct {
	ExecutionTimeout time.Duration
	MemoryLimitMB    int
	CPUShares        int
	WorkspaceRoot    string
}

type languageConfig struct {
	Image    string
	FileName string
	Command  string
	Env      []string
}

// DockerBackend runs code in sandboxed containers via the docker executor.
// Stdin is supplied through a file in the mounted workspace.
type DockerBackend struct {
	executor  dockerexec.Executor
	config    DockerConfig
	languages map[assessment.Language]languageConfig
	logger    zerolog.Logger
}

// NewDockerBackend constructs a Docker backed evaluation backend.
func NewDockerBackend(executor dockerexec.Executor, cfg DockerConfig, logger zerolog.Logger) *DockerBackend {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}

	return &DockerBackend{
		executor: executor,
		config:   cfg,
		logger:   logger.With().Str("component", "docker_backend").Logger(),
		languages: map[assessment.Language]languageConfig{
			assessment.LanguagePython: {
				Image:    "python:3.11-alpine",
				FileName: "main.py",
				Command:  "python main.py < " + inputFileName,
			},
			assessment.LanguageJavaScript: {
				Image:    "node:20-alpine",
				FileName: "main.js",
				Command:  "node main.js < " + inputFileName,
			},
			assessment.LanguageGo: {
				Image:    "golang:1.22-alpine",
				FileName: "main.go",
				Command:  "go run main.go < " + inputFileName,
				Env:      []string{"GOCACHE=/tmp/go-cache", "GOPATH=/tmp/go"},
			},
			assessment.LanguageJava: {
				Image:    "eclipse-temurin:21-jdk-alpine",
				FileName: "Main.java",
				Command:  "java Main.java < " + inputFileName,
			},
			assessment.LanguageCPP: {
				Image:    "gcc:13",
				FileName: "main.cpp",
				Command:  "g++ -O2 -o /tmp/main main.cpp && /tmp/main < " + inputFileName,
			},
		},
	}
}

// Execute implements Backend.
func (b *DockerBackend) Execute(ctx context.Context, language assessment.Language, code, stdin string) (Execution, error) {
	langCfg, ok := b.languages[language]
	if !ok {
		return Execution{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	workspace, err := os.MkdirTemp(b.config.WorkspaceRoot, "evaluation-")
	if err != nil {
		return Execution{}, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	if err := os.WriteFile(filepath.Join(workspace, langCfg.FileName), []byte(code), 0600); err != nil {
		return Execution{}, fmt.Errorf("write source: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, inputFileName), []byte(stdin), 0600); err != nil {
		return Execution{}, fmt.Errorf("write input: %w", err)
	}

	req := dockerexec.ExecutionRequest{
		Image:         langCfg.Image,
		Cmd:           []string{"sh", "-c", langCfg.Command},
		Env:           append(append([]string(nil), sandboxEnv...), langCfg.Env...),
		Timeout:       b.config.ExecutionTimeout,
		Workspace:     workspace,
		WorkingDir:    "/workspace",
		MemoryLimitMB: int64(b.config.MemoryLimitMB),
		CPUShares:     int64(b.config.CPUShares),
	}

	result, execErr := b.executor.Run(ctx, req)
	exec := Execution{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		Duration: result.Duration,
		TimedOut: result.TimedOut,
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Execution{}, ctxErr
	}

	switch {
	case errors.Is(execErr, dockerexec.ErrTimedOut):
		// Sandbox time limit: a failed case, not a backend failure.
		return exec, nil
	case execErr != nil:
		b.logger.Error().Err(execErr).Str("language", string(language)).Msg("container execution failed")
		return Execution{}, fmt.Errorf("execute %s: %w", language, execErr)
	default:
		return exec, nil
	}
}
