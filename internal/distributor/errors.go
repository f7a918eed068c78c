package distributor

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds. Every OpError matches exactly one of these with errors.Is.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrNoAvailableNodes = errors.New("no available nodes")
	ErrPartialFailure   = errors.New("partial failure")
	ErrIncomplete       = errors.New("incomplete")
	ErrUnavailable      = errors.New("unavailable")
	ErrNotInitialized   = errors.New("distributor not initialized")
)

var kindNames = map[error]string{
	ErrInvalidArgument:  "InvalidArgument",
	ErrNotFound:         "NotFound",
	ErrNoAvailableNodes: "NoAvailableNodes",
	ErrPartialFailure:   "PartialFailure",
	ErrIncomplete:       "Incomplete",
	ErrUnavailable:      "Unavailable",
	ErrNotInitialized:   "NotInitialized",
}

// OpError is a failed public operation.
type OpError struct {
	Kind   error    // one of the Err* kinds above
	Op     string   // "store", "retrieve", ...
	DataID string   // empty for node operations
	Nodes  []string // nodes implicated in the failure, if any
	Err    error    // underlying cause, may be nil
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.DataID != "" {
		fmt.Fprintf(&b, " %q", e.DataID)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if len(e.Nodes) > 0 {
		fmt.Fprintf(&b, " (nodes: %s)", strings.Join(e.Nodes, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindName returns the name of the failure kind err carries, or "" if it
// carries none.
func KindName(err error) string {
	if err == nil {
		return ""
	}
	var op *OpError
	if errors.As(err, &op) {
		return kindNames[op.Kind]
	}
	for kind, name := range kindNames {
		if errors.Is(err, kind) {
			return name
		}
	}
	return ""
}

func opError(kind error, op, dataID string, nodes []string, cause error) *OpError {
	return &OpError{Kind: kind, Op: op, DataID: dataID, Nodes: nodes, Err: cause}
}
