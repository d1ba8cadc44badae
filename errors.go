package pagecraft

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code classifies model errors. The string values are part of the HTTP
// contract (400 responses carry them verbatim).
type Code string

const (
	CodeDuplicateID        Code = "DuplicateId"
	CodeInvalidNesting     Code = "InvalidNesting"
	CodeCyclicReference    Code = "CyclicReference"
	CodeInvalidNode        Code = "InvalidNode"
	CodeInvalidProps       Code = "InvalidProps"
	CodeDepthExceeded      Code = "DepthExceeded"
	CodeParentNotContainer Code = "ParentNotContainer"
	CodeIndexOutOfRange    Code = "IndexOutOfRange"
	CodeNodeNotFound       Code = "NodeNotFound"
	CodeInvalidDocument    Code = "InvalidDocument"
)

// Sentinel errors, one per Code. Every model error unwraps to one of these.
var (
	ErrDuplicateID        = errors.New("duplicate node id")
	ErrInvalidNesting     = errors.New("children under a non-container kind")
	ErrCyclicReference    = errors.New("cyclic reference")
	ErrInvalidNode        = errors.New("invalid node")
	ErrInvalidProps       = errors.New("invalid props")
	ErrDepthExceeded      = errors.New("maximum depth exceeded")
	ErrParentNotContainer = errors.New("parent does not accept children")
	ErrIndexOutOfRange    = errors.New("index out of range")
	ErrNodeNotFound       = errors.New("node not found")
	ErrInvalidDocument    = errors.New("invalid document")
)

func (c Code) sentinel() error {
	switch c {
	case CodeDuplicateID:
		return ErrDuplicateID
	case CodeInvalidNesting:
		return ErrInvalidNesting
	case CodeCyclicReference:
		return ErrCyclicReference
	case CodeInvalidNode:
		return ErrInvalidNode
	case CodeInvalidProps:
		return ErrInvalidProps
	case CodeDepthExceeded:
		return ErrDepthExceeded
	case CodeParentNotContainer:
		return ErrParentNotContainer
	case CodeIndexOutOfRange:
		return ErrIndexOutOfRange
	case CodeNodeNotFound:
		return ErrNodeNotFound
	default:
		return ErrInvalidDocument
	}
}

// ValidationError reports a document that breaks a structural invariant.
type ValidationError struct {
	Code   Code
	NodeID string   // Offending node, empty for document-level problems
	Path   []string // Ids from the root down to the offending node
	Reason string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid document: ")
	b.WriteString(string(e.Code))
	if e.NodeID != "" {
		fmt.Fprintf(&b, " at node %q", e.NodeID)
	}
	if len(e.Path) > 1 {
		fmt.Fprintf(&b, " (path %s)", strings.Join(e.Path, " > "))
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Code.sentinel()
}

// OperationError reports a rejected edit. The input document is unchanged.
type OperationError struct {
	Op     string // insert, remove, move, updateProps
	Code   Code
	NodeID string
	Reason string
	Err    error // Underlying ValidationError, if the edit produced an invalid tree
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s %q: %s", e.Op, e.NodeID, e.Code)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Code.sentinel()
}

func opError(op string, code Code, nodeID, reason string) *OperationError {
	return &OperationError{Op: op, Code: code, NodeID: nodeID, Reason: reason}
}

// CodeOf extracts the model error code from err, or "" if err is not a
// model error.
func CodeOf(err error) Code {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Code
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Code
	}
	var dErr *DecodeError
	if errors.As(err, &dErr) {
		return CodeInvalidDocument
	}
	return ""
}

// DecodeError reports a document that could not be decoded, with enough
// context to point at the offending byte.
type DecodeError struct {
	Source  string // File name or other label for the input
	Line    int    // 1-indexed
	Column  int    // 1-indexed, 0 when unknown
	Message string
	Hint    string
	data    []byte
}

func (e *DecodeError) Error() string {
	return e.Format()
}

func (e *DecodeError) Unwrap() error {
	return ErrInvalidDocument
}

// Format renders the error with the surrounding lines of input and a caret
// under the offending column.
func (e *DecodeError) Format() string {
	var b strings.Builder
	src := e.Source
	if src == "" {
		src = "document"
	}
	fmt.Fprintf(&b, "cannot decode %s: line %d", src, e.Line)
	if e.Column > 0 {
		fmt.Fprintf(&b, ", column %d", e.Column)
	}
	fmt.Fprintf(&b, ": %s\n", e.Message)

	if ctx := e.excerpt(); ctx != "" {
		b.WriteString(ctx)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "hint: %s\n", e.Hint)
	}
	return b.String()
}

func (e *DecodeError) excerpt() string {
	if len(e.data) == 0 {
		return ""
	}
	lines := strings.Split(string(e.data), "\n")
	if e.Line < 1 || e.Line > len(lines) {
		return ""
	}

	var b strings.Builder
	start := max(1, e.Line-2)
	end := min(len(lines), e.Line+2)
	for i := start; i <= end; i++ {
		prefix := fmt.Sprintf("  %3d | ", i)
		b.WriteString(prefix + lines[i-1] + "\n")
		if i == e.Line && e.Column > 0 {
			b.WriteString(strings.Repeat(" ", len(prefix)+e.Column-1) + "^\n")
		}
	}
	return b.String()
}

// WithSource labels the input (usually a file path) for messages.
func (e *DecodeError) WithSource(source string) *DecodeError {
	e.Source = source
	return e
}

// newDecodeError converts a json error into a DecodeError positioned at the
// failing offset.
func newDecodeError(data []byte, err error) *DecodeError {
	var offset int64 = -1
	msg := err.Error()
	hint := ""

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
		hint = "check for a missing comma, quote or closing bracket"
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
		if typeErr.Field != "" {
			msg = fmt.Sprintf("field %q: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
		}
		hint = "nodes have the shape {id, kind, props, children}"
	case errors.Is(err, errEmptyInput):
		hint = "an empty page is {\"components\": []}"
	}

	line, col := 1, 0
	if offset >= 0 {
		line, col = position(data, offset)
	}
	return &DecodeError{Line: line, Column: col, Message: msg, Hint: hint, data: data}
}

var errEmptyInput = errors.New("empty input")

// position converts a byte offset into a 1-indexed line and column.
func position(data []byte, offset int64) (int, int) {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	head := data[:offset]
	line := bytes.Count(head, []byte("\n")) + 1
	col := int(offset) - bytes.LastIndexByte(head, '\n')
	if col < 1 {
		col = 1
	}
	return line, col
}
