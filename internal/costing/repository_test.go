package costing

import (
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestUniqueIDs(t *testing.T) {
	require.Equal(t, []int64{3, 1, 2}, uniqueIDs([]int64{3, 1, 3, 2, 1}))
	require.Empty(t, uniqueIDs(nil))
}

func TestLinkTransactionsAreSerializable(t *testing.T) {
	require.Equal(t, pgx.Serializable, txIsolation)
}
