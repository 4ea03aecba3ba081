package lsi

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/orket/orket/pkg/canonical"
	"github.com/orket/orket/pkg/objectstore"
)

// Version stamped into every record this index writes.
const Version = "lsi/v1"

const (
	committedDirName    = "committed"
	committedNewDirName = "committed.__new"
	committedBakDirName = "committed.__bak"
	stagingDirName      = "staging"
)

var turnIDPattern = regexp.MustCompile(`^turn-([0-9]{4})$`)

// ParseTurnID extracts the counter from a turn-NNNN identifier.
func ParseTurnID(turnID string) (int, error) {
	m := turnIDPattern.FindStringSubmatch(turnID)
	if m == nil {
		return 0, fmt.Errorf("turn id %q does not match turn-NNNN", turnID)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("turn id %q: %w", turnID, err)
	}
	return n, nil
}

// FormatTurnID renders a counter as turn-NNNN.
func FormatTurnID(n int) string {
	return fmt.Sprintf("turn-%04d", n)
}

// ValidateStem checks that a stem is a well-formed relative record path:
// forward-slash separated, no empty, dot or dot-dot segments, and every
// segment byte within the filesystem-safe alphabet. Stems double as file
// paths under triplets/, so anything unsafe is rejected before it can touch
// the disk layout.
func ValidateStem(stem string) error {
	if stem == "" {
		return fmt.Errorf("stem is empty")
	}
	for _, seg := range strings.Split(stem, "/") {
		switch seg {
		case "":
			return fmt.Errorf("stem %q has an empty segment", stem)
		case ".", "..":
			return fmt.Errorf("stem %q has a relative segment", stem)
		}
		if canonical.FSToken(seg) != seg {
			return fmt.Errorf("stem %q has unsafe characters in segment %q", stem, seg)
		}
	}
	return nil
}

// Layout resolves the directory tree of one index workspace rooted at
// <workspace>/index.
type Layout struct {
	root string
}

// NewLayout returns the layout for a workspace root.
func NewLayout(workspaceRoot string) Layout {
	return Layout{root: filepath.Join(workspaceRoot, "index")}
}

// Root is the index directory itself.
func (l Layout) Root() string { return l.root }

// Committed is the promoted scope.
func (l Layout) Committed() Scope {
	return Scope{dir: filepath.Join(l.root, committedDirName)}
}

// CommittedNew is the transient build scope used mid-promotion.
func (l Layout) CommittedNew() Scope {
	return Scope{dir: filepath.Join(l.root, committedNewDirName)}
}

// CommittedBakDir is the transient backup directory used mid-promotion.
func (l Layout) CommittedBakDir() string {
	return filepath.Join(l.root, committedBakDirName)
}

// StagingTurn is the scope owned by one (run, turn) pair.
func (l Layout) StagingTurn(runID, turnID string) Scope {
	return Scope{dir: filepath.Join(l.root, stagingDirName,
		canonical.FSToken(runID), canonical.FSToken(turnID))}
}

// RunsDir holds finished-run descriptors for replay and comparison.
func (l Layout) RunsDir() string {
	return filepath.Join(l.root, "runs")
}

// RunDescriptorPath is the descriptor file for one run.
func (l Layout) RunDescriptorPath(runID string) string {
	return filepath.Join(l.RunsDir(), canonical.FSToken(runID)+".json")
}

// Scope is one self-contained index tree: the committed scope or a staged
// turn scope. Both share the same internal shape, which is what lets
// promotion build the next committed tree by copying files between scopes.
type Scope struct {
	dir string
}

// NewScope wraps an existing scope directory.
func NewScope(dir string) Scope { return Scope{dir: dir} }

// Dir is the scope root directory.
func (s Scope) Dir() string { return s.dir }

// Objects is the scope's content-addressed store.
func (s Scope) Objects() *objectstore.Store {
	return objectstore.New(s.dir)
}

// TripletsDir holds triplet records keyed by stem.
func (s Scope) TripletsDir() string {
	return filepath.Join(s.dir, "triplets")
}

// TripletPath is the record file for a stem.
func (s Scope) TripletPath(stem string) string {
	return filepath.Join(s.TripletsDir(), filepath.FromSlash(stem)+".json")
}

// TombstonePath is the tombstone file for a stem.
func (s Scope) TombstonePath(stem string) string {
	return filepath.Join(s.TripletsDir(), filepath.FromSlash(stem)+tombstoneSuffix)
}

// RefsDir holds refs-by-id records.
func (s Scope) RefsDir() string {
	return filepath.Join(s.dir, "refs", "by_id")
}

// RefPath is the ref record file for a (type, id) pair.
func (s Scope) RefPath(refType, refID string) string {
	return filepath.Join(s.RefsDir(), canonical.FSToken(refType), canonical.FSToken(refID)+".json")
}

// LedgerPath is the promotion ledger file. Only the committed scope carries
// one.
func (s Scope) LedgerPath() string {
	return filepath.Join(s.dir, "index", "run_ledger.json")
}

const tombstoneSuffix = ".tombstone.json"
