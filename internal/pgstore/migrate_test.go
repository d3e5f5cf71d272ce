package pgstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequiredRelationsMatchesSchema(t *testing.T) {
	require.ElementsMatch(t, []string{
		"blocks", "transactions", "transaction_inputs", "transaction_outputs", "balances",
	}, RequiredRelations)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Contains(t, names, "0001_init.up.sql")
	require.Contains(t, names, "0001_init.down.sql")
}
