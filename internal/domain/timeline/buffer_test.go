package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestBufferOutOfOrderAdd(t *testing.T) {
	var b Buffer
	b.Add(Row{At: day(2020, 4, 1), Status: StatusExpired})
	b.Add(Row{At: day(2020, 1, 1), Status: StatusDue})
	b.Add(Row{At: day(2020, 2, 1), Status: StatusOverdue})

	rows := b.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, StatusDue, rows[0].Status)
	assert.Equal(t, StatusOverdue, rows[1].Status)
	assert.Equal(t, StatusExpired, rows[2].Status)
}

func TestBufferTieKeepsInsertionOrder(t *testing.T) {
	at := day(2020, 1, 1)
	var b Buffer
	b.Add(Row{At: at, Status: StatusDue})
	b.Add(Row{At: at, Status: StatusCompleted})

	rows := b.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, StatusDue, rows[0].Status)
	assert.Equal(t, StatusCompleted, rows[1].Status)
}

func TestBufferTieAfterLaterRow(t *testing.T) {
	at := day(2020, 1, 1)
	var b Buffer
	b.Add(Row{At: at, Status: StatusDue})
	b.Add(Row{At: day(2020, 4, 1), Status: StatusExpired})
	// Ties land after their equal-At predecessors, not before.
	b.Add(Row{At: at, Status: StatusInProgress})

	rows := b.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, StatusDue, rows[0].Status)
	assert.Equal(t, StatusInProgress, rows[1].Status)
	assert.Equal(t, StatusExpired, rows[2].Status)
}

func TestBufferTruncateDropsAtAndAfterCutoff(t *testing.T) {
	var b Buffer
	b.Add(Row{At: day(2020, 1, 1), Status: StatusDue})
	b.Add(Row{At: day(2020, 2, 15), Status: StatusOverdue})
	b.Add(Row{At: day(2020, 4, 1), Status: StatusExpired})

	b.Truncate(day(2020, 2, 15))
	rows := b.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, StatusDue, rows[0].Status)
}
