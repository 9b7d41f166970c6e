package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ha1tch/bizzgraph/pkg/models"
)

var (
	// ErrInvalidRepositoryID is returned for empty or non-numeric repository ids
	ErrInvalidRepositoryID = errors.New("invalid repository id")

	// ErrInvalidObjectID is returned for empty or malformed object ids
	ErrInvalidObjectID = errors.New("invalid object id")
)

// maxObjectIDLength bounds ids accepted from HTTP callers
const maxObjectIDLength = 256

// RepositoryID checks that id is a positive decimal number
func RepositoryID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRepositoryID)
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q is not numeric", ErrInvalidRepositoryID, id)
		}
	}
	if strings.Trim(id, "0") == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRepositoryID, id)
	}
	return nil
}

// ObjectID checks that id is usable as a node key
func ObjectID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidObjectID)
	}
	if len(id) > maxObjectIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidObjectID, maxObjectIDLength)
	}
	if strings.ContainsAny(id, "\x00\r\n") {
		return fmt.Errorf("%w: contains control characters", ErrInvalidObjectID)
	}
	return nil
}

// IsValidationError reports whether err came from this package
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRepositoryID) || errors.Is(err, ErrInvalidObjectID)
}

// Report summarizes problems found in a snapshot before loading.
// Errors make the snapshot unloadable; warnings describe rows the loader will drop.
type Report struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	DuplicateObjects  int `json:"duplicateObjects"`
	DanglingRelations int `json:"danglingRelations"`
}

// Valid reports whether the snapshot can be loaded
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// Snapshot checks a snapshot for structural problems
func Snapshot(s *models.Snapshot) *Report {
	report := &Report{}
	if s == nil {
		report.Errors = append(report.Errors, "snapshot is nil")
		return report
	}

	if err := RepositoryID(s.Repository.ID); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	ids := make(map[string]struct{}, len(s.Objects))
	for i, obj := range s.Objects {
		if obj.ID == "" {
			report.Errors = append(report.Errors, fmt.Sprintf("object %d: missing id", i))
			continue
		}
		if _, seen := ids[obj.ID]; seen {
			report.DuplicateObjects++
			continue
		}
		ids[obj.ID] = struct{}{}
	}
	if report.DuplicateObjects > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d duplicate object ids, the last occurrence wins", report.DuplicateObjects))
	}

	for i, rel := range s.Relations {
		if rel.ID == "" {
			report.Errors = append(report.Errors, fmt.Sprintf("relation %d: missing id", i))
			continue
		}
		_, hasSource := ids[rel.SourceID]
		_, hasTarget := ids[rel.TargetID]
		if !hasSource || !hasTarget {
			report.DanglingRelations++
		}
	}
	if report.DanglingRelations > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d relations reference unknown objects and will be skipped", report.DanglingRelations))
	}

	return report
}
