package denormalize

import (
	"errors"
	"fmt"
	"sort"

	"catchcore/pkg/domain"
)

// ErrNoRootBatch is returned when no row lacks a parent.
var ErrNoRootBatch = errors.New("no catch root batch")

// AssembleTree nests flat batch rows under their parents. The first row
// without a parent is the catch root; further parentless rows, rows whose
// parent is missing and rows caught in cycles are skipped with a warning.
// Siblings keep row order unless all of them carry a rank order.
func AssembleTree(rows []domain.SourceBatch) (domain.SourceBatch, []domain.Warning, error) {
	if len(rows) == 0 {
		return domain.SourceBatch{}, nil, ErrNoRootBatch
	}
	byID := make(map[string]int, len(rows))
	for i, row := range rows {
		if _, dup := byID[row.ID]; dup {
			return domain.SourceBatch{}, nil, fmt.Errorf("duplicate batch id %s", row.ID)
		}
		byID[row.ID] = i
	}

	children := make(map[string][]int, len(rows))
	var roots []int
	for i, row := range rows {
		if row.ParentID == nil {
			roots = append(roots, i)
			continue
		}
		children[*row.ParentID] = append(children[*row.ParentID], i)
	}
	if len(roots) == 0 {
		return domain.SourceBatch{}, nil, ErrNoRootBatch
	}
	for id := range children {
		sortByRankOrder(rows, children[id])
	}

	visited := make([]bool, len(rows))
	var build func(i int) domain.SourceBatch
	build = func(i int) domain.SourceBatch {
		visited[i] = true
		node := rows[i].Clone()
		node.Children = nil
		for _, c := range children[rows[i].ID] {
			if visited[c] {
				continue
			}
			node.Children = append(node.Children, build(c))
		}
		return node
	}
	root := build(roots[0])

	var warnings []domain.Warning
	for _, extra := range roots[1:] {
		before := countVisited(visited)
		build(extra)
		ignored := countVisited(visited) - before
		warnings = append(warnings, domain.Warning{
			Code:    domain.WarningAmbiguousRoot,
			BatchID: rows[extra].ID,
			Message: fmt.Sprintf("batch %s has no parent; using %s as catch root and ignoring %d batches", rows[extra].ID, root.ID, ignored),
		})
	}
	for i, row := range rows {
		if visited[i] {
			continue
		}
		if _, ok := byID[*row.ParentID]; !ok {
			warnings = append(warnings, domain.Warning{
				Code:    domain.WarningOrphanBatch,
				BatchID: row.ID,
				Message: fmt.Sprintf("batch %s references missing parent %s", row.ID, *row.ParentID),
			})
			continue
		}
		warnings = append(warnings, domain.Warning{
			Code:    domain.WarningCycle,
			BatchID: row.ID,
			Message: fmt.Sprintf("batch %s is unreachable from catch root %s", row.ID, root.ID),
		})
	}
	return root, warnings, nil
}

// sortByRankOrder orders siblings by rank order when every one of them has
// one; otherwise row order is kept.
func sortByRankOrder(rows []domain.SourceBatch, idx []int) {
	for _, i := range idx {
		if rows[i].RankOrder == nil {
			return
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return *rows[idx[a]].RankOrder < *rows[idx[b]].RankOrder
	})
}

func countVisited(visited []bool) int {
	n := 0
	for _, v := range visited {
		if v {
			n++
		}
	}
	return n
}
