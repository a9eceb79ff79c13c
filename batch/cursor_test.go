package batch

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/onlinemigrate/session/sessiontest"
)

func expectPage(mock sqlmock.Sqlmock, fragments []string, count int64, maxKey any) {
	quoted := make([]string, len(fragments))
	for i, f := range fragments {
		quoted[i] = sessiontest.Q(f)
	}
	mock.ExpectQuery(strings.Join(quoted, ".*")).
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(count, maxKey))
}

func collect(t *testing.T, c *Cursor) []Range {
	t.Helper()
	var out []Range
	for {
		rng, ok, err := c.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, rng)
	}
}

func TestCursor_PartialLastPage(t *testing.T) {
	s, mock := sessiontest.New(t)
	expectPage(mock, []string{`SELECT count(*), max("id") FROM (SELECT "id" FROM "users"`, `ORDER BY "id" ASC LIMIT 2) AS page`}, 2, 2)
	expectPage(mock, []string{`"id" > 2`}, 2, 4)
	expectPage(mock, []string{`"id" > 4`}, 1, 5)

	ranges := collect(t, NewCursor(s, Table("users"), "id", 2))

	require.Len(t, ranges, 3)
	assert.Nil(t, ranges[0].Lower)
	assert.Equal(t, int64(2), *ranges[0].Upper)
	assert.Equal(t, int64(2), *ranges[1].Lower)
	assert.Equal(t, int64(4), *ranges[1].Upper)
	assert.Equal(t, int64(4), *ranges[2].Lower)
	assert.Equal(t, int64(5), *ranges[2].Upper)
}

func TestCursor_ExactMultipleNeedsEmptyProbe(t *testing.T) {
	s, mock := sessiontest.New(t)
	expectPage(mock, []string{`LIMIT 2`}, 2, 2)
	expectPage(mock, []string{`"id" > 2`}, 2, 4)
	expectPage(mock, []string{`"id" > 4`}, 0, nil)

	ranges := collect(t, NewCursor(s, Table("users"), "id", 2))
	assert.Len(t, ranges, 2)
}

func TestCursor_Empty(t *testing.T) {
	s, mock := sessiontest.New(t)
	expectPage(mock, []string{`FROM "users"`}, 0, nil)

	c := NewCursor(s, Table("users"), "id", 1000)
	assert.Empty(t, collect(t, c))
	assert.True(t, c.Done())

	// Exhausted cursors do not query again.
	_, ok, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursor_StartAndFinish(t *testing.T) {
	s, mock := sessiontest.New(t)
	expectPage(mock, []string{`"id" >= 10`, `"id" <= 20`, `LIMIT 5`}, 5, 14)
	expectPage(mock, []string{`"id" > 14`, `"id" <= 20`}, 3, 20)

	ranges := collect(t, NewCursor(s, Table("users"), "id", 5).From(10).To(20))

	require.Len(t, ranges, 2)
	assert.True(t, ranges[0].InclusiveLower)
	assert.Equal(t, int64(10), *ranges[0].Lower)
	assert.False(t, ranges[1].InclusiveLower)
}

func TestCursor_QueryError(t *testing.T) {
	s, mock := sessiontest.New(t)
	mock.ExpectQuery(sessiontest.Q(`FROM "users"`)).WillReturnError(assert.AnError)

	_, _, err := NewCursor(s, Table("users"), "id", 10).Next(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}
