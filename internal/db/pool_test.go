package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFromEmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "tender_results", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFromSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"tender_results"}, []string{"id", "score"}).WillReturnResult(2)

	rows := [][]any{{"a", 0.7}, {"b", 0.4}}
	n, err := CopyFrom(context.Background(), mock, "tender_results", []string{"id", "score"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFromError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"tender_results"}, []string{"id"}).
		WillReturnError(eris.New("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "tender_results", []string{"id"}, [][]any{{"a"}})
	assert.Error(t, err)
}
