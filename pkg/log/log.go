package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/octolabd/pkg/types"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithLabID creates a child logger with lab_id field
func WithLabID(labID string) zerolog.Logger {
	return Logger.With().Str("lab_id", labID).Logger()
}

// WithRecipeID creates a child logger with recipe_id field, for the
// provisioning path where a lab's recipe choice is part of the story.
func WithRecipeID(recipeID string) zerolog.Logger {
	return Logger.With().Str("recipe_id", recipeID).Logger()
}

// WithRuntime creates a child logger with runtime field
func WithRuntime(runtime string) zerolog.Logger {
	return Logger.With().Str("runtime", runtime).Logger()
}

// WithLab creates a child logger correlated to a single lab across its
// lifecycle: lab_id, recipe_id, and the backend it runs on. The provisioner
// and the runtime backends reach for this once they have the full lab row
// in hand, rather than re-deriving the same three fields.
func WithLab(lab *types.Lab) zerolog.Logger {
	return Logger.With().
		Str("lab_id", lab.ID.String()).
		Str("recipe_id", lab.RecipeID.String()).
		Str("runtime", string(lab.Runtime)).
		Logger()
}

// WithEvidenceState creates a child logger carrying the evidence_state a
// lab was just stamped with — the correlation id an operator greps for
// when chasing down why a lab's evidence came back PARTIAL or UNAVAILABLE.
func WithEvidenceState(labID string, state types.EvidenceState) zerolog.Logger {
	return Logger.With().Str("lab_id", labID).Str("evidence_state", string(state)).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
