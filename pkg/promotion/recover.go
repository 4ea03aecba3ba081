package promotion

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/orket/orket/pkg/fsatomic"
	"github.com/orket/orket/pkg/lsi"
)

// RecoverCommitted repairs the committed scope after an interrupted
// promotion swap. A leftover committed.__new/ is always a partial build and
// is dropped. A leftover committed.__bak/ means the swap died between its
// two renames: if committed/ exists the swap finished and the backup is
// stale, otherwise the backup is the last good snapshot and is moved back.
// Called once before a workspace serves any turn.
func RecoverCommitted(workspaceRoot string) error {
	layout := lsi.NewLayout(workspaceRoot)
	newDir := layout.CommittedNew().Dir()
	bakDir := layout.CommittedBakDir()
	committedDir := layout.Committed().Dir()

	if fsatomic.Exists(newDir) {
		if err := os.RemoveAll(newDir); err != nil {
			return fmt.Errorf("drop partial build dir: %w", err)
		}
		slog.Warn("Removed partial committed.__new from interrupted promotion",
			"workspace", workspaceRoot)
	}

	if !fsatomic.Exists(bakDir) {
		return nil
	}
	if fsatomic.Exists(committedDir) {
		if err := os.RemoveAll(bakDir); err != nil {
			return fmt.Errorf("drop stale backup dir: %w", err)
		}
		slog.Warn("Removed stale committed.__bak from completed promotion",
			"workspace", workspaceRoot)
		return nil
	}
	if err := os.Rename(bakDir, committedDir); err != nil {
		return fmt.Errorf("restore committed from backup: %w", err)
	}
	slog.Warn("Restored committed scope from committed.__bak",
		"workspace", workspaceRoot)
	return nil
}
