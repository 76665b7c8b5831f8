package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct {
	Seq int64
}

func TestCursorRoundTrip(t *testing.T) {
	enc, err := EncodeCursor(Cursor{Sequence: 42, ID: "abc"})
	require.NoError(t, err)

	dec, err := DecodeCursor(enc)
	require.NoError(t, err)
	require.Equal(t, int64(42), dec.Sequence)
	require.Equal(t, "abc", dec.ID)

	_, err = DecodeCursor("%%%")
	require.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	data := []*row{{Seq: 5}, {Seq: 4}, {Seq: 3}}

	page, info := BuildCursorPageInfo(data, 2, func(r *row) Cursor { return Cursor{Sequence: r.Seq} })
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	next, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, int64(4), next.Sequence)

	page, info = BuildCursorPageInfo(data, 10, func(r *row) Cursor { return Cursor{Sequence: r.Seq} })
	require.Len(t, page, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}

func TestNormalize(t *testing.T) {
	require.Equal(t, DefaultLimit, Pagination{}.Normalize().Limit)
	require.Equal(t, MaxLimit, Pagination{Limit: 1000}.Normalize().Limit)
	require.Equal(t, 7, Pagination{Limit: 7}.Normalize().Limit)
}
