// Package executor runs validated SQL against the relational store. Access
// is strictly read-only: mutating statements are rejected before dispatch.
// Failures come back as classified results rather than bare errors, because
// they feed the plan/execute correction loop.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrClass classifies an execution failure.
type ErrClass string

const (
	ClassSyntax     ErrClass = "syntax_error"
	ClassExecution  ErrClass = "execution_error"
	ClassTimeout    ErrClass = "timeout"
	ClassDisallowed ErrClass = "disallowed_statement"
)

// ExecError is the structured failure attached to a Result.
type ExecError struct {
	Class   ErrClass
	Message string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Result is the outcome of one execution. RowCount is the true number of
// rows the query produced; Rows is truncated to the preview limit.
type Result struct {
	OK       bool
	SQL      string
	Columns  []string
	Rows     [][]any
	RowCount int
	Elapsed  time.Duration
	Err      *ExecError
}

// Executor runs read-only queries under a timeout.
type Executor struct {
	db          *sql.DB
	timeout     time.Duration
	previewRows int
	logger      *zap.Logger
}

// New creates an executor. A nil logger disables logging.
func New(db *sql.DB, timeout time.Duration, previewRows int, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if previewRows <= 0 {
		previewRows = 100
	}
	return &Executor{db: db, timeout: timeout, previewRows: previewRows, logger: logger}
}

// forbiddenVerb matches any statement verb that could mutate the store or
// its configuration, anywhere in the text.
var forbiddenVerb = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|replace|truncate|attach|detach|pragma|vacuum|reindex|grant|revoke)\b`)

// Guard rejects SQL that is not a single read-only SELECT statement.
func Guard(sqlText string) *ExecError {
	trimmed := strings.TrimSpace(sqlText)
	trimmed = strings.TrimRight(trimmed, "; \t\n")
	if trimmed == "" {
		return &ExecError{Class: ClassDisallowed, Message: "empty statement"}
	}
	if strings.Contains(trimmed, ";") {
		return &ExecError{Class: ClassDisallowed, Message: "multiple statements are not allowed"}
	}
	first := strings.ToLower(firstWord(trimmed))
	if first != "select" && first != "with" {
		return &ExecError{Class: ClassDisallowed, Message: fmt.Sprintf("statement must be a SELECT, got %q", firstWord(trimmed))}
	}
	if m := forbiddenVerb.FindString(trimmed); m != "" {
		return &ExecError{Class: ClassDisallowed, Message: fmt.Sprintf("statement contains disallowed keyword %q", strings.ToUpper(m))}
	}
	return nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Run executes the SQL under the configured timeout and returns a classified
// result. Rows beyond the preview limit are dropped, but RowCount still
// reflects the full count.
func (e *Executor) Run(ctx context.Context, sqlText string) Result {
	start := time.Now()
	res := Result{SQL: sqlText}

	if execErr := Guard(sqlText); execErr != nil {
		res.Err = execErr
		res.Elapsed = time.Since(start)
		e.logger.Warn("rejected statement", zap.String("reason", execErr.Message))
		return res
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.db.QueryContext(queryCtx, strings.TrimRight(strings.TrimSpace(sqlText), "; \t\n"))
	if err != nil {
		res.Err = classify(queryCtx, err)
		res.Elapsed = time.Since(start)
		e.logger.Warn("query failed", zap.String("class", string(res.Err.Class)), zap.Error(err))
		return res
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		res.Err = classify(queryCtx, err)
		res.Elapsed = time.Since(start)
		return res
	}
	res.Columns = cols

	for rows.Next() {
		res.RowCount++
		if res.RowCount > e.previewRows {
			// Keep draining so the count stays truthful.
			continue
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			res.Err = classify(queryCtx, err)
			res.Elapsed = time.Since(start)
			return res
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		res.Err = classify(queryCtx, err)
		res.Elapsed = time.Since(start)
		return res
	}

	res.OK = true
	res.Elapsed = time.Since(start)
	e.logger.Debug("query completed",
		zap.Int("rows", res.RowCount),
		zap.Int("columns", len(cols)),
		zap.Duration("elapsed", res.Elapsed))
	return res
}

func classify(ctx context.Context, err error) *ExecError {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &ExecError{Class: ClassTimeout, Message: "query exceeded execution timeout"}
	case strings.Contains(strings.ToLower(err.Error()), "syntax error"):
		return &ExecError{Class: ClassSyntax, Message: err.Error()}
	default:
		return &ExecError{Class: ClassExecution, Message: err.Error()}
	}
}
