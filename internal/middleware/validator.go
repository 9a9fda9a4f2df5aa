package middleware

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ValidateScanID checks the id is a canonical uuid.
func ValidateScanID(scanID string) error {
	if scanID == "" {
		return fmt.Errorf("scan ID cannot be empty")
	}
	if _, err := uuid.Parse(scanID); err != nil || len(scanID) != 36 {
		return fmt.Errorf("invalid scan ID format")
	}
	return nil
}

// ValidateArchiveName accepts .zip uploads only.
func ValidateArchiveName(name string) error {
	if name == "" {
		return fmt.Errorf("archive file name cannot be empty")
	}
	if !strings.EqualFold(filepath.Ext(name), ".zip") {
		return fmt.Errorf("archive must be a .zip file")
	}
	return nil
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 20 // default
	}
	if limit > 100 {
		return 100 // max limit
	}
	return limit
}
