// Command seed imports assessment definition documents into the database.
//
//	seed [-dir seeds] [file.json ...]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment/internal/config"
	"github.com/noah-isme/gema-assessment/internal/database"
	"github.com/noah-isme/gema-assessment/internal/repository"
	"github.com/noah-isme/gema-assessment/internal/service"
)

func main() {
	var dir string
	flag.StringVar(&dir, "dir", "seeds", "directory of definition files used when no files are given")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	files := flag.Args()
	if len(files) == 0 {
		files, err = filepath.Glob(filepath.Join(dir, "*.json"))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to list definition files")
		}
		sort.Strings(files)
	}
	if len(files) == 0 {
		logger.Fatal().Str("dir", dir).Msg("no definition files found")
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	assessments := service.NewAssessmentService(repository.NewAssessmentRepository(db), logger)

	failed := 0
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			logger.Error().Err(err).Str("file", file).Msg("read definition")
			failed++
			continue
		}

		model, err := assessments.Import(ctx, raw)
		if err != nil {
			logger.Error().Err(err).Str("file", file).Msg("import definition")
			failed++
			continue
		}
		fmt.Printf("%s -> assessment %d (%s, %d questions)\n", file, model.ID, model.Title, len(model.Questions))
	}

	if failed > 0 {
		os.Exit(1)
	}
}
