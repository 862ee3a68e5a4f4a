package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

// catalogFile is the on-disk layout of sources.yaml.
type catalogFile struct {
	Defaults struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"defaults"`
	Sources []catalogEntry `yaml:"sources"`
}

type catalogEntry struct {
	ID       string        `yaml:"id"`
	Tag      string        `yaml:"tag"`
	Property string        `yaml:"property"`
	Format   string        `yaml:"format"`
	Location string        `yaml:"location"`
	Timeout  time.Duration `yaml:"timeout"`
	Enabled  *bool         `yaml:"enabled"`
}

// LoadSourceCatalog reads and validates a source catalog file.
func LoadSourceCatalog(path string) ([]domain.SourceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source catalog: %w", err)
	}
	return ParseSourceCatalog(bytes.NewReader(data))
}

// ParseSourceCatalog decodes a catalog. Sources default to enabled and inherit
// the catalog-wide timeout. Duplicate ids are rejected.
func ParseSourceCatalog(r io.Reader) ([]domain.SourceDescriptor, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode source catalog: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	seen := make(map[string]bool, len(file.Sources))
	out := make([]domain.SourceDescriptor, 0, len(file.Sources))
	var errs []error

	for i, e := range file.Sources {
		desc := domain.SourceDescriptor{
			ID:          e.ID,
			Tag:         e.Tag,
			PropertyRef: e.Property,
			Format:      domain.SourceFormat(e.Format),
			Location:    e.Location,
			Timeout:     e.Timeout,
			Enabled:     e.Enabled == nil || *e.Enabled,
		}
		if desc.Timeout == 0 {
			desc.Timeout = file.Defaults.Timeout
		}
		if desc.Tag == "" {
			desc.Tag = desc.ID
		}

		if err := validate.Struct(desc); err != nil {
			errs = append(errs, fmt.Errorf("source %d (%s): %w", i, desc.ID, err))
			continue
		}
		if (desc.Format == domain.FormatICal || desc.Format == domain.FormatCalDAV) && desc.MultiProperty() {
			errs = append(errs, fmt.Errorf("source %d (%s): %s sources need a property", i, desc.ID, desc.Format))
			continue
		}
		if seen[desc.ID] {
			errs = append(errs, fmt.Errorf("source %d: duplicate id %q", i, desc.ID))
			continue
		}
		seen[desc.ID] = true
		out = append(out, desc)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
