// Package validate statically checks candidate SQL against a schema graph.
// It accepts a narrow SELECT-only subset and rejects anything whose safety
// cannot be established lexically, without ever executing the query.
package validate

// Outcome is the overall validation verdict.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Reason is the closed set of rejection codes. Exactly one is attached to a
// rejected report.
type Reason string

const (
	ReasonUnsafeStatement      Reason = "UnsafeStatement"
	ReasonSchemaHallucination  Reason = "SchemaHallucination"
	ReasonAmbiguousAlias       Reason = "AmbiguousAlias"
	ReasonScopeTooComplex      Reason = "ScopeTooComplex"
	ReasonUnsupportedConstruct Reason = "UnsupportedConstruct"
)

// Report is the result of one validation call. Tables and Aliases reflect
// best-effort extraction even when the outcome is rejected, so callers can
// show the user what was understood before the rejection.
type Report struct {
	Outcome      Outcome           `json:"outcome"`
	Reason       Reason            `json:"reason,omitempty"`
	Message      string            `json:"message,omitempty"`
	Tables       []string          `json:"tables"`
	Aliases      map[string]string `json:"aliases"`
	JoinWarnings []string          `json:"join_warnings"`
}

// Limits are the tunable complexity thresholds. When RequireLimit is set,
// queries without GROUP BY or an aggregate must carry a LIMIT clause.
type Limits struct {
	MaxJoinedTables int
	MaxPredicates   int
	RequireLimit    bool
}

// DefaultLimits mirrors the service defaults; production values come from
// configuration.
func DefaultLimits() Limits {
	return Limits{MaxJoinedTables: 8, MaxPredicates: 20}
}
