package allocation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockline/internal/allocation"
)

func ids(entries []allocation.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.OrderID
	}
	return out
}

func TestParseCriterion(t *testing.T) {
	for in, want := range map[string]allocation.Criterion{
		"fifo":               allocation.FIFO,
		" Priority_Desc ":    allocation.PriorityDesc,
		"smallest_first":     allocation.SmallestFirst,
		"customer_priority":  allocation.CustomerPriority,
		"prioridad_fifo":     allocation.FIFO,
		"prioridad_mayor":    allocation.PriorityDesc,
		"prioridad_cantidad": allocation.SmallestFirst,
		"prioridad_cliente":  allocation.CustomerPriority,
	} {
		got, err := allocation.ParseCriterion(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := allocation.ParseCriterion("bogus")
	require.ErrorIs(t, err, allocation.ErrInvalidPolicy)
	_, err = allocation.ParseCriterion("")
	require.ErrorIs(t, err, allocation.ErrInvalidPolicy)
	_, err = allocation.Sort("bogus", nil)
	require.ErrorIs(t, err, allocation.ErrInvalidPolicy)
}

func TestSortOrders(t *testing.T) {
	// ids 3 and 1 share a timestamp so the id tie-break decides between them.
	mk := func(id int64, need, prio, rank int, at time.Duration) allocation.Entry {
		e := entry(id, need, at)
		e.Priority = prio
		e.CustomerRank = rank
		return e
	}
	queue := []allocation.Entry{
		mk(3, 5, 1, 0, time.Minute),
		mk(1, 2, 1, 9, time.Minute),
		mk(2, 9, 7, 0, 0),
		mk(4, 2, 7, 9, 2*time.Minute),
	}

	tests := []struct {
		criterion allocation.Criterion
		want      []int64
	}{
		{allocation.FIFO, []int64{2, 1, 3, 4}},
		{allocation.PriorityDesc, []int64{2, 4, 1, 3}},
		{allocation.SmallestFirst, []int64{1, 4, 3, 2}},
		{allocation.CustomerPriority, []int64{1, 4, 2, 3}},
	}
	for _, tc := range tests {
		t.Run(string(tc.criterion), func(t *testing.T) {
			got, err := allocation.Sort(tc.criterion, queue)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(got))
		})
	}
	assert.Equal(t, []int64{3, 1, 2, 4}, ids(queue), "input untouched")
}

func TestSortIsTotalOrder(t *testing.T) {
	same := []allocation.Entry{entry(9, 1, 0), entry(4, 1, 0), entry(7, 1, 0)}
	for _, c := range allocation.Criteria() {
		got, err := allocation.Sort(c, same)
		require.NoError(t, err)
		assert.Equal(t, []int64{4, 7, 9}, ids(got), string(c))
	}
}
