// Package reconcile replays WAL frames into rows and diffs them against
// the live database: which frames SQLite would keep, which belong to
// transactions that never committed, and which were superseded.
package reconcile

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/dfir-tools/walscope/api"
	"github.com/dfir-tools/walscope/internal/wal"
)

// TransactionGroup is a contiguous run of valid frames sharing one salt
// pair, terminated by a commit frame or by the end of the file. Groups
// partition the valid frames of the index with no gaps or overlaps.
type TransactionGroup struct {
	Index int
	Salt1 uint32
	Salt2 uint32
	// Frames holds indices into the frame index, in file order.
	Frames []int
	// Committed is true when the group ends in a commit frame.
	Committed bool
	// CommitSize is the post-commit database page count from the commit
	// frame, 0 for uncommitted groups.
	CommitSize uint32
}

// Groups partitions the index's valid frames into transaction groups.
// Invalid-checksum frames are excluded here and from everything derived.
func Groups(ix *wal.Index) []TransactionGroup {
	var (
		groups []TransactionGroup
		cur    *TransactionGroup
	)
	closeCurrent := func() {
		if cur != nil && len(cur.Frames) > 0 {
			groups = append(groups, *cur)
		}
		cur = nil
	}

	for i := range ix.Frames {
		f := &ix.Frames[i]
		if !f.ChecksumOK {
			continue
		}
		if cur != nil && (f.Salt1 != cur.Salt1 || f.Salt2 != cur.Salt2) {
			// Salt changed mid-run: the previous transaction never
			// committed before a WAL restart overtook it.
			closeCurrent()
		}
		if cur == nil {
			cur = &TransactionGroup{Index: len(groups), Salt1: f.Salt1, Salt2: f.Salt2}
		}
		cur.Frames = append(cur.Frames, f.Index)
		if f.IsCommit() {
			cur.Committed = true
			cur.CommitSize = f.CommitSize
			closeCurrent()
		}
	}
	closeCurrent()
	return groups
}

// Classification maps every valid frame to its status and owning group.
// It is derived from the frame index on request, never persisted.
type Classification struct {
	Groups []TransactionGroup
	// GroupStatus holds one status per group, parallel to Groups.
	GroupStatus []api.FrameStatus
	// FrameStatus and FrameGroup are keyed by frame index; frames with
	// bad checksums are absent.
	FrameStatus map[int]api.FrameStatus
	FrameGroup  map[int]int
}

// Classify derives frame statuses from the index and the live page
// count:
//
//  1. the last committed group whose post-commit size matches the live
//     database is Saved;
//  2. every other committed group is Overwritten;
//  3. groups with no commit frame are Unsaved;
//  4. for each page number, only the last valid frame carrying it keeps
//     its group's status — every earlier frame for that page is
//     Overwritten, whatever its group says.
func Classify(ix *wal.Index, livePageCount uint32) *Classification {
	groups := Groups(ix)
	c := &Classification{
		Groups:      groups,
		GroupStatus: make([]api.FrameStatus, len(groups)),
		FrameStatus: make(map[int]api.FrameStatus),
		FrameGroup:  make(map[int]int),
	}

	lastCommitted := -1
	for gi := range groups {
		if groups[gi].Committed {
			lastCommitted = gi
		}
	}
	for gi := range groups {
		switch {
		case !groups[gi].Committed:
			c.GroupStatus[gi] = api.StatusUnsaved
		case gi == lastCommitted && groups[gi].CommitSize == livePageCount:
			c.GroupStatus[gi] = api.StatusSaved
		default:
			c.GroupStatus[gi] = api.StatusOverwritten
		}
	}

	// Last write wins per page: walk frames newest-first and demote any
	// earlier occurrence of an already-seen page.
	seen := roaring.New()
	for gi := len(groups) - 1; gi >= 0; gi-- {
		g := &groups[gi]
		for fi := len(g.Frames) - 1; fi >= 0; fi-- {
			frame := g.Frames[fi]
			page := ix.Frames[frame].PageNumber
			status := c.GroupStatus[gi]
			if seen.Contains(page) {
				status = api.StatusOverwritten
			}
			seen.Add(page)
			c.FrameStatus[frame] = status
			c.FrameGroup[frame] = gi
		}
	}
	return c
}

// Status returns the classification for one frame; ok is false for
// frames excluded by checksum validation.
func (c *Classification) Status(frame int) (api.FrameStatus, bool) {
	s, ok := c.FrameStatus[frame]
	return s, ok
}
