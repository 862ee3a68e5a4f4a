package domain

import (
	"fmt"
	"time"
)

// Scope is the (source, property) pair over which one diff pass runs.
type Scope struct {
	Source      string
	PropertyRef string
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s", s.Source, s.PropertyRef)
}

// SourceFormat selects the fetcher and normalizer for a source.
type SourceFormat string

const (
	FormatCSV    SourceFormat = "csv"
	FormatICal   SourceFormat = "ics"
	FormatCalDAV SourceFormat = "caldav"
	FormatPortal SourceFormat = "portal"
)

// IsValid reports whether the format is known.
func (f SourceFormat) IsValid() bool {
	switch f {
	case FormatCSV, FormatICal, FormatCalDAV, FormatPortal:
		return true
	}
	return false
}

// SourceDescriptor is a handle on one independently fetched source.
// An empty PropertyRef marks a source that lists several properties
// (a tabular export), whose rows carry their own property.
type SourceDescriptor struct {
	ID          string        `yaml:"id" json:"id" validate:"required"`
	Tag         string        `yaml:"tag" json:"tag" validate:"required"`
	PropertyRef string        `yaml:"property" json:"property,omitempty"`
	Format      SourceFormat  `yaml:"format" json:"format" validate:"required,oneof=csv ics caldav portal"`
	Location    string        `yaml:"location" json:"location" validate:"required"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
}

// MultiProperty reports whether the source covers more than one property.
func (d SourceDescriptor) MultiProperty() bool {
	return d.PropertyRef == ""
}
