package types

import (
	"errors"
	"time"
)

// Domain errors for type validation
var (
	ErrMissingFolderID = errors.New("folder ID is required")
	ErrMissingRecordID = errors.New("record ID is required")
	ErrMissingPath     = errors.New("path is required")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrNegativeSize    = errors.New("size cannot be negative")
)

// ErrorType is the closed taxonomy of failure categories
type ErrorType string

const (
	ErrorPermission ErrorType = "permission"
	ErrorFileSystem ErrorType = "filesystem"
	ErrorNetwork    ErrorType = "network"
	ErrorDatabase   ErrorType = "database"
	ErrorTimeout    ErrorType = "timeout"
	ErrorCancelled  ErrorType = "cancelled"
	ErrorValidation ErrorType = "validation"
	ErrorResource   ErrorType = "resource"
	ErrorUnknown    ErrorType = "unknown"
)

// Severity ranks how serious a failure is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ErrorRecord is a classified, aggregated failure
type ErrorRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	FolderPath  string    `json:"folderPath,omitempty"`
	FilePath    string    `json:"filePath,omitempty"`
	Message     string    `json:"message"`
	Type        ErrorType `json:"errorType"`
	Severity    Severity  `json:"severity"`
	Retryable   bool      `json:"retryable"`
	Occurrences int       `json:"occurrences"`
}
