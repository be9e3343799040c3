package message

import (
	"fmt"
	"sort"
)

// HistoryID is the durable identity of a history message.
type HistoryID struct {
	DBID       string
	TimeMicros int64
}

func (id HistoryID) Equal(o HistoryID) bool {
	return id.DBID == o.DBID && id.TimeMicros == o.TimeMicros
}

// Less orders by time, then by db id.
func (id HistoryID) Less(o HistoryID) bool {
	if id.TimeMicros != o.TimeMicros {
		return id.TimeMicros < o.TimeMicros
	}
	return id.DBID < o.DBID
}

func (id HistoryID) String() string {
	return fmt.Sprintf("%s@%d", id.DBID, id.TimeMicros)
}

// SortByTime sorts messages ascending by timestamp, history id as tie-break.
func SortByTime(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.TimeMicros != b.TimeMicros {
			return a.TimeMicros < b.TimeMicros
		}
		if a.HistoryID != nil && b.HistoryID != nil {
			return a.HistoryID.Less(*b.HistoryID)
		}
		return a.ID < b.ID
	})
}
