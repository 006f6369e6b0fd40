package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrBrokenChain marks a log whose prev_hash links do not match.
var ErrBrokenChain = errors.New("audit: broken hash chain")

// maxEntry bounds one JSONL line; enforcement reasons can be long.
const maxEntry = 1 << 20

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool           `json:"valid"`
	Lines     int            `json:"lines"`
	Head      string         `json:"head,omitempty"`
	Types     map[string]int `json:"types,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorLine int            `json:"error_line,omitempty"`
}

// lineError locates a chain failure.
type lineError struct {
	line int
	err  error
}

func (e *lineError) Error() string { return fmt.Sprintf("line %d: %v", e.line, e.err) }
func (e *lineError) Unwrap() error { return e.err }

// walk checks every link in r and calls fn for each entry in order. It
// returns the hash of the last line, or GenesisHash for an empty log.
func walk(r io.Reader, fn func(n int, e AuditEntry)) (string, int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEntry)
	head := GenesisHash
	n := 0
	for sc.Scan() {
		n++
		line := sc.Bytes()
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return head, n, &lineError{n, fmt.Errorf("parse error: %v", err)}
		}
		if e.PrevHash != head {
			if n == 1 {
				return head, n, &lineError{n, fmt.Errorf("%w: first entry prev_hash is %q, expected genesis hash", ErrBrokenChain, e.PrevHash)}
			}
			return head, n, &lineError{n, fmt.Errorf("%w: expected %s, got %s", ErrBrokenChain, head, e.PrevHash)}
		}
		if fn != nil {
			fn(n, e)
		}
		head = HashLine(line)
	}
	if err := sc.Err(); err != nil {
		return head, n, fmt.Errorf("scan: %v", err)
	}
	return head, n, nil
}

// Verify reads a JSONL audit log and validates the hash chain.
// Returns Valid=true if the chain is intact, or details about
// the first broken link.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()
	return VerifyReader(f)
}

// VerifyReader validates a chain read from r and counts entries by type.
func VerifyReader(r io.Reader) VerifyResult {
	types := map[string]int{}
	head, n, err := walk(r, func(_ int, e AuditEntry) { types[e.Type]++ })
	if err != nil {
		res := VerifyResult{Error: err.Error()}
		var le *lineError
		if errors.As(err, &le) {
			res.Error = le.err.Error()
			res.ErrorLine = le.line
		}
		return res
	}
	res := VerifyResult{Valid: true, Lines: n}
	if n > 0 {
		res.Head = head
		res.Types = types
	}
	return res
}
