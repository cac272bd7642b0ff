package backup

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/kebairia/drbackup/internal/record"
	"github.com/kebairia/drbackup/internal/repository"
)

// resolveChain follows BaseBackupID links from top down to its full root
// and returns the chain root first. Every element must be restorable and
// strictly older than its dependent; cycles and chains longer than
// maxDepth are rejected.
func resolveChain(ctx context.Context, repo repository.Repository, top *record.Record, maxDepth int) ([]*record.Record, error) {
	var (
		chain []*record.Record
		seen  = make(map[string]bool)
		cur   = top
	)
	for {
		if seen[cur.ID] {
			return nil, fmt.Errorf("%w: cycle at %s", ErrInvalidChain, cur.ID)
		}
		seen[cur.ID] = true
		if !cur.Status.Restorable() {
			return nil, fmt.Errorf("%w: %s is %s", ErrInvalidChain, cur.ID, cur.Status)
		}
		chain = append(chain, cur)
		if len(chain) > maxDepth {
			return nil, fmt.Errorf("%w: %s exceeds depth %d", ErrInvalidChain, top.ID, maxDepth)
		}
		if !cur.Type.HasBase() {
			break
		}
		if cur.BaseBackupID == "" {
			return nil, fmt.Errorf("%w: %s has no base", ErrInvalidChain, cur.ID)
		}
		base, err := repo.Get(ctx, cur.BaseBackupID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: base %s of %s is missing", ErrInvalidChain, cur.BaseBackupID, cur.ID)
		}
		if err != nil {
			return nil, err
		}
		if !base.StartTime.Before(cur.StartTime) {
			return nil, fmt.Errorf("%w: base %s is not older than %s", ErrInvalidChain, base.ID, cur.ID)
		}
		cur = base
	}

	root := chain[len(chain)-1]
	if len(chain) > 1 && root.Type != record.TypeFull {
		return nil, fmt.Errorf("%w: %s is rooted at %s backup %s", ErrInvalidChain, top.ID, root.Type, root.ID)
	}
	slices.Reverse(chain)
	return chain, nil
}
