package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/querywave/querywave/internal/nl2sql"
	"github.com/querywave/querywave/internal/quota"
	"github.com/querywave/querywave/internal/registry"
	"github.com/querywave/querywave/internal/validate"
)

var (
	ErrEmptyQuestion   = errors.New("generate: question is empty")
	ErrQuestionTooLong = errors.New("generate: question is too long")
)

// RejectedError is returned when the translator's output still fails
// validation after every repair round. The final report explains why.
type RejectedError struct {
	SQL      string
	Report   validate.Report
	Attempts int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("generated SQL rejected after %d attempts: %s: %s",
		e.Attempts, e.Report.Reason, e.Report.Message)
}

// UpstreamError wraps a translator failure so the API layer can map it to a
// retryable 502 instead of a client error.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "translator request failed: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

type Config struct {
	MaxQuestionChars int
	RepairRounds     int
	ValidatorLimits  validate.Limits
}

func DefaultConfig() Config {
	return Config{
		MaxQuestionChars: 500,
		RepairRounds:     2,
		ValidatorLimits:  validate.DefaultLimits(),
	}
}

// Service runs the quota -> fetch -> translate -> validate pipeline.
type Service struct {
	registry   *registry.Registry
	quota      *quota.Tracker
	translator nl2sql.Translator
	cfg        Config
	logger     *slog.Logger
}

func NewService(reg *registry.Registry, tracker *quota.Tracker, translator nl2sql.Translator, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.MaxQuestionChars <= 0 {
		cfg.MaxQuestionChars = def.MaxQuestionChars
	}
	// RepairRounds zero means default; negative disables repair entirely.
	if cfg.RepairRounds == 0 {
		cfg.RepairRounds = def.RepairRounds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:   reg,
		quota:      tracker,
		translator: translator,
		cfg:        cfg,
		logger:     logger,
	}
}

type Output struct {
	SQL      string
	Provider string
	Model    string
	Report   validate.Report
	Attempts int
	Quota    quota.Remaining
}

// Generate answers a natural language question against a registered schema.
// Quota is consumed before the translator is called; a rejected result does
// not refund it.
func (s *Service) Generate(ctx context.Context, clientID, schemaID, question string) (Output, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Output{}, ErrEmptyQuestion
	}
	if len(question) > s.cfg.MaxQuestionChars {
		return Output{}, fmt.Errorf("%w: %d chars, limit %d", ErrQuestionTooLong, len(question), s.cfg.MaxQuestionChars)
	}

	remaining, err := s.quota.TryConsume(ctx, clientID, quota.ClassGenerate)
	if err != nil {
		return Output{}, err
	}

	rec, err := s.registry.Fetch(ctx, schemaID)
	if err != nil {
		return Output{}, err
	}

	summary := SummarizeGraph(rec.Graph)
	req := nl2sql.Request{
		SchemaID:      schemaID,
		SchemaSummary: summary,
		Question:      question,
	}

	result, err := s.translator.Translate(ctx, req)
	if err != nil {
		return Output{}, &UpstreamError{Err: err}
	}

	attempts := 1
	report := validate.Validate(result.SQL, rec.Graph, s.cfg.ValidatorLimits)
	for report.Outcome == validate.OutcomeRejected && attempts <= s.cfg.RepairRounds && repairable(report.Reason) {
		s.logger.Info("repairing rejected generation",
			"schema_id", schemaID,
			"attempt", attempts,
			"reason", string(report.Reason))
		result, err = s.translator.Repair(ctx, nl2sql.RepairRequest{
			Request:  req,
			PriorSQL: result.SQL,
			Feedback: report.Message,
		})
		if err != nil {
			return Output{}, &UpstreamError{Err: err}
		}
		attempts++
		report = validate.Validate(result.SQL, rec.Graph, s.cfg.ValidatorLimits)
	}

	if report.Outcome == validate.OutcomeRejected {
		return Output{}, &RejectedError{SQL: result.SQL, Report: report, Attempts: attempts}
	}

	return Output{
		SQL:      result.SQL,
		Provider: result.Provider,
		Model:    result.Model,
		Report:   report,
		Attempts: attempts,
		Quota:    remaining,
	}, nil
}

// Validate checks caller-supplied SQL against a registered schema without
// consuming generation quota.
func (s *Service) Validate(ctx context.Context, schemaID, sqlText string) (validate.Report, error) {
	rec, err := s.registry.Fetch(ctx, schemaID)
	if err != nil {
		return validate.Report{}, err
	}
	return validate.Validate(sqlText, rec.Graph, s.cfg.ValidatorLimits), nil
}

// repairable reasons are the ones another model round can plausibly fix.
// Unsafe or structurally unsupported statements are rejected outright.
func repairable(reason validate.Reason) bool {
	switch reason {
	case validate.ReasonSchemaHallucination, validate.ReasonAmbiguousAlias:
		return true
	default:
		return false
	}
}
