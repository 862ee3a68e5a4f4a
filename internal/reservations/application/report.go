package application

import (
	"time"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

// RunReport summarizes one sync pass.
type RunReport struct {
	RunID       string           `json:"run_id"`
	Environment string           `json:"environment"`
	DryRun      bool             `json:"dry_run"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Duration    time.Duration    `json:"duration"`
	New         int              `json:"new"`
	Modified    int              `json:"modified"`
	Removed     int              `json:"removed"`
	Unchanged   int              `json:"unchanged"`
	FlagUpdates int              `json:"flag_updates"`
	Errors      []string         `json:"errors,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Sources     []SourceReport   `json:"sources"`
	Properties  []PropertyReport `json:"properties"`
}

// Succeeded reports whether the pass finished without errors.
func (r *RunReport) Succeeded() bool {
	return len(r.Errors) == 0
}

// FailedSources returns the ids of sources that could not be fetched.
func (r *RunReport) FailedSources() []string {
	var out []string
	for _, s := range r.Sources {
		if !s.Fetched {
			out = append(out, s.SourceID)
		}
	}
	return out
}

// SourceReport is the fetch and normalize outcome of one source.
type SourceReport struct {
	SourceID        string        `json:"source_id"`
	Tag             string        `json:"tag"`
	Fetched         bool          `json:"fetched"`
	NotModified     bool          `json:"not_modified,omitempty"`
	Attempts        int           `json:"attempts"`
	Duration        time.Duration `json:"duration"`
	Events          int           `json:"events"`
	NormalizeErrors int           `json:"normalize_errors,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// PropertyReport is the write outcome of every scope of one property.
type PropertyReport struct {
	PropertyRef string        `json:"property_ref"`
	Scopes      []ScopeReport `json:"scopes"`
	Error       string        `json:"error,omitempty"`
}

// ScopeReport counts the writes applied to one (source, property) scope.
type ScopeReport struct {
	Source           string   `json:"source"`
	PropertyRef      string   `json:"property_ref"`
	New              int      `json:"new"`
	Modified         int      `json:"modified"`
	Removed          int      `json:"removed"`
	Unchanged        int      `json:"unchanged"`
	FlagUpdates      int      `json:"flag_updates"`
	ConflictRetries  int      `json:"conflict_retries,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Scope returns the scope the report covers.
func (s ScopeReport) Scope() domain.Scope {
	return domain.Scope{Source: s.Source, PropertyRef: s.PropertyRef}
}

func (r *RunReport) addScope(s ScopeReport) {
	r.New += s.New
	r.Modified += s.Modified
	r.Removed += s.Removed
	r.Unchanged += s.Unchanged
	r.FlagUpdates += s.FlagUpdates
	r.Errors = append(r.Errors, s.ValidationErrors...)
	r.Warnings = append(r.Warnings, s.Warnings...)
	if s.Error != "" {
		r.Errors = append(r.Errors, s.Scope().String()+": "+s.Error)
	}
}
