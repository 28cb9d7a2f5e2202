package nl2sql

import "context"

// Request asks for a fresh SQL generation against an uploaded schema. The
// summary is the prompt-ready rendering of the schema graph, not raw DDL.
type Request struct {
	SchemaID      string `json:"schema_id"`
	SchemaSummary string `json:"schema_summary"`
	Question      string `json:"question"`
}

// RepairRequest asks the model to fix a previously generated query that
// failed validation. Feedback carries the validator's rejection message.
type RepairRequest struct {
	Request
	PriorSQL string `json:"prior_sql"`
	Feedback string `json:"feedback"`
}

type Result struct {
	SQL      string `json:"sql"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
	Repair(ctx context.Context, req RepairRequest) (Result, error)
}
