// Package classify turns raw errors into categorized ErrorRecords and
// aggregates repeated failures.
package classify

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/dshills/folderindex/internal/cancel"
	"github.com/dshills/folderindex/pkg/types"
)

type pattern struct {
	errType types.ErrorType
	needles []string
}

// patterns are checked in order; the first hit wins. Cancelled precedes
// Timeout so "context canceled" never reads as a timeout, and Timeout
// precedes Network so "i/o timeout" is a timeout.
var patterns = []pattern{
	{types.ErrorCancelled, []string{"operation cancelled", "context canceled", "cancelled", "canceled", "aborted"}},
	{types.ErrorTimeout, []string{"deadline exceeded", "timed out", "timeout", "etimedout"}},
	{types.ErrorPermission, []string{"permission denied", "access denied", "operation not permitted", "eacces", "eperm", "unauthorized", "forbidden"}},
	{types.ErrorResource, []string{"out of memory", "enomem", "too many open files", "emfile", "no space left", "enospc", "quota", "resource exhausted", "memory threshold"}},
	{types.ErrorDatabase, []string{"database", "sqlite", "sql:", "constraint", "transaction", "disk i/o error", "locked", "busy"}},
	{types.ErrorNetwork, []string{"connection refused", "connection reset", "econnrefused", "econnreset", "network", "no such host", "host unreachable", "broken pipe", "dns"}},
	{types.ErrorFileSystem, []string{"no such file", "enoent", "not a directory", "is a directory", "enotdir", "eisdir", "file exists", "read-only file system", "bad file descriptor", "file too large", "symlink"}},
	{types.ErrorValidation, []string{"invalid", "validation", "malformed", "unsupported", "required", "must be"}},
}

var severities = map[types.ErrorType]types.Severity{
	types.ErrorPermission: types.SeverityError,
	types.ErrorFileSystem: types.SeverityWarning,
	types.ErrorNetwork:    types.SeverityError,
	types.ErrorDatabase:   types.SeverityCritical,
	types.ErrorTimeout:    types.SeverityWarning,
	types.ErrorCancelled:  types.SeverityInfo,
	types.ErrorValidation: types.SeverityWarning,
	types.ErrorResource:   types.SeverityCritical,
	types.ErrorUnknown:    types.SeverityError,
}

var userMessages = map[types.ErrorType]string{
	types.ErrorPermission: "Access was denied. Check the folder permissions and try again.",
	types.ErrorFileSystem: "A file could not be read. It may have been moved or deleted.",
	types.ErrorNetwork:    "A network resource was unreachable. Indexing will retry.",
	types.ErrorDatabase:   "The index database reported an error. Consider running a repair.",
	types.ErrorTimeout:    "The operation took too long and was retried.",
	types.ErrorCancelled:  "Indexing was cancelled.",
	types.ErrorValidation: "Some input was invalid and was skipped.",
	types.ErrorResource:   "The system is low on resources. Free memory or disk space and retry.",
	types.ErrorUnknown:    "An unexpected error occurred.",
}

// Classify categorizes err. folderPath and filePath are optional context.
func Classify(err error, folderPath, filePath string) types.ErrorRecord {
	rec := types.ErrorRecord{
		Timestamp:   time.Now(),
		FolderPath:  folderPath,
		FilePath:    filePath,
		Type:        types.ErrorUnknown,
		Occurrences: 1,
	}
	if err == nil {
		rec.Message = "unknown error"
	} else {
		rec.Message = err.Error()
		rec.Type = typeOf(err)
	}
	rec.Severity = SeverityOf(rec.Type)
	rec.Retryable = IsRetryable(rec.Type)
	return rec
}

func typeOf(err error) types.ErrorType {
	switch {
	case errors.Is(err, cancel.ErrCancelled), errors.Is(err, context.Canceled):
		return types.ErrorCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrorTimeout
	case errors.Is(err, fs.ErrPermission):
		return types.ErrorPermission
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrExist):
		return types.ErrorFileSystem
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) types.ErrorType {
	lower := strings.ToLower(msg)
	for _, p := range patterns {
		for _, needle := range p.needles {
			if strings.Contains(lower, needle) {
				return p.errType
			}
		}
	}
	return types.ErrorUnknown
}

// SeverityOf returns the severity assigned to an error type
func SeverityOf(t types.ErrorType) types.Severity {
	if s, ok := severities[t]; ok {
		return s
	}
	return types.SeverityError
}

// IsRetryable is true only for Network, Database and Timeout
func IsRetryable(t types.ErrorType) bool {
	switch t {
	case types.ErrorNetwork, types.ErrorDatabase, types.ErrorTimeout:
		return true
	default:
		return false
	}
}

// UserMessage returns the user-facing text for an error type
func UserMessage(t types.ErrorType) string {
	if msg, ok := userMessages[t]; ok {
		return msg
	}
	return userMessages[types.ErrorUnknown]
}
