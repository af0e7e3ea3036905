package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionRow_Metadata(t *testing.T) {
	row := transactionRow{ID: "tx-1", Type: "credit", Metadata: []byte(`{"campaign":"diwali"}`)}
	tx, err := row.toDomain()
	require.NoError(t, err)
	assert.Equal(t, "diwali", tx.Metadata["campaign"])

	for _, raw := range []string{"", "{}"} {
		row.Metadata = []byte(raw)
		tx, err = row.toDomain()
		require.NoError(t, err)
		assert.Nil(t, tx.Metadata)
	}
}

func TestTransactionRow_CorruptMetadata(t *testing.T) {
	row := transactionRow{ID: "tx-1", Type: "debit", Metadata: []byte(`{"campaign":`)}

	_, err := row.toDomain()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tx-1")
}
