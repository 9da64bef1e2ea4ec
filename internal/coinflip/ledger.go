package coinflip

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// removePositions drops the selected positions from held in one step and
// returns the remaining sequence plus the removed instances in selection order.
// Positions are applied high to low so earlier removals never renumber later ones.
func removePositions(held []string, refs []StakeRef) ([]string, []StakeInstance, error) {
	if len(refs) == 0 {
		return nil, nil, ErrEmptyStake
	}
	seen := make(map[int]struct{}, len(refs))
	removed := make([]StakeInstance, len(refs))
	for i, ref := range refs {
		if ref.Position < 0 || ref.Position >= len(held) {
			return nil, nil, fmt.Errorf("%w: position %d of %d", ErrIndexOutOfRange, ref.Position, len(held))
		}
		if _, dup := seen[ref.Position]; dup {
			return nil, nil, fmt.Errorf("%w: position %d selected twice", ErrIndexOutOfRange, ref.Position)
		}
		seen[ref.Position] = struct{}{}
		if ref.CatalogItemID != "" && held[ref.Position] != ref.CatalogItemID {
			return nil, nil, fmt.Errorf("%w: position %d holds %q, not %q", ErrIndexOutOfRange, ref.Position, held[ref.Position], ref.CatalogItemID)
		}
		removed[i] = StakeInstance{Position: ref.Position, CatalogItemID: held[ref.Position]}
	}

	order := make([]int, 0, len(refs))
	for p := range seen {
		order = append(order, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(order)))

	remaining := append([]string(nil), held...)
	for _, p := range order {
		remaining = append(remaining[:p], remaining[p+1:]...)
	}
	return remaining, removed, nil
}

func instanceIDs(in []StakeInstance) []string {
	out := make([]string, len(in))
	for i, inst := range in {
		out[i] = inst.CatalogItemID
	}
	return out
}

// RemoveInstances takes the selected positions out of the actor's ledger
// within tx. It fails with ErrInventoryNotFound or ErrIndexOutOfRange.
func RemoveInstances(ctx context.Context, tx Tx, actorID string, refs []StakeRef) ([]StakeInstance, error) {
	held, err := tx.LockInventory(ctx, actorID)
	if err != nil {
		return nil, err
	}
	remaining, removed, err := removePositions(held, refs)
	if err != nil {
		return nil, err
	}
	if err := tx.SaveInventory(ctx, actorID, remaining); err != nil {
		return nil, err
	}
	return removed, nil
}

// AddInstances appends catalog items to the end of the actor's ledger,
// creating the entry when the actor holds nothing yet.
func AddInstances(ctx context.Context, tx Tx, actorID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	held, err := tx.LockInventory(ctx, actorID)
	if err != nil && !errors.Is(err, ErrInventoryNotFound) {
		return err
	}
	next := make([]string, 0, len(held)+len(itemIDs))
	next = append(next, held...)
	next = append(next, itemIDs...)
	return tx.SaveInventory(ctx, actorID, next)
}

// stakeError maps ledger failures to the caller-facing stale-selection error.
func stakeError(err error) error {
	if errors.Is(err, ErrIndexOutOfRange) || errors.Is(err, ErrInventoryNotFound) {
		return fmt.Errorf("%w: %w", ErrInsufficientStake, err)
	}
	return err
}
