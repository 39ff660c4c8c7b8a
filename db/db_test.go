package db

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	extErrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIsSerializationFailure(t *testing.T) {
	require.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
	require.True(t, IsSerializationFailure(extErrors.Wrap(&pgconn.PgError{Code: "40P01"}, "commit")))
	require.False(t, IsSerializationFailure(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsSerializationFailure(extErrors.New("plain")))
	require.False(t, IsSerializationFailure(nil))
}
