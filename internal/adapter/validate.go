// Copyright 2025 James Ross
package adapter

import (
	"fmt"
	"strings"

	"github.com/jross/workitem-queue/internal/workitem"
)

// MaxFilenameBytes and MaxFileBytes implement invariants 5 and 6 of the
// work item data model: filenames are at most 255 bytes and contain no
// path separators; file contents are at most 100MB.
const (
	MaxFilenameBytes = 255
	MaxFileBytes     = 100 * 1024 * 1024
)

// ValidateFilename enforces invariant 5: unique-per-item is the caller's
// job (backends check existence after calling this), but the name shape
// itself is backend-agnostic.
func ValidateFilename(name string) error {
	if name == "" {
		return New("", "validate_filename", ErrInvalidArgument, nil)
	}
	if len(name) > MaxFilenameBytes {
		return New("", "validate_filename", ErrInvalidArgument, nil)
	}
	if strings.ContainsAny(name, "/\\") {
		return New("", "validate_filename", ErrInvalidArgument, nil)
	}
	return nil
}

// ValidateFileSize enforces invariant 6: any file byte length is <= 100MB.
func ValidateFileSize(content []byte) error {
	if len(content) > MaxFileBytes {
		return New("", "validate_file_size", ErrInvalidArgument, nil)
	}
	return nil
}

// ValidateRelease enforces the release_input contract shared by all three
// backends: state must be terminal, and FAILED releases must carry a
// non-empty exception message.
func ValidateRelease(state workitem.State, exception *workitem.Exception) error {
	switch state {
	case workitem.Completed:
		return nil
	case workitem.Failed:
		if exception == nil || exception.Message == "" {
			return New("", "validate_release", ErrInvalidArgument, fmt.Errorf("exception.message required when state=FAILED"))
		}
		return nil
	default:
		return New("", "validate_release", ErrInvalidArgument, fmt.Errorf("state must be COMPLETED or FAILED, got %s", state))
	}
}
