package kestrel_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/princesaroj111/kestrel-lang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(t *testing.T) *kestrel.Table {
	t.Helper()
	tbl := kestrel.NewTable(
		kestrel.Column{Name: "name", Type: kestrel.TypeString},
		kestrel.Column{Name: "pid", Type: kestrel.TypeInt},
		kestrel.Column{Name: "created_time", Type: kestrel.TypeTime},
	)
	when, err := time.Parse(time.RFC3339, "2023-06-01T10:00:00Z")
	require.NoError(t, err)
	tbl.AppendRow("cmd.exe", int64(101), when)
	tbl.AppendRow("explorer.exe", int64(100), when.Add(-time.Hour))
	tbl.AppendRow("powershell.exe", nil, when.Add(time.Hour))
	return tbl
}

func TestNormalizeCollapsesWidths(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{int(7), int64(7)},
		{int32(7), int64(7)},
		{uint16(7), int64(7)},
		{uint64(7), int64(7)},
		{float32(1.5), float64(1.5)},
		{[]byte("abc"), "abc"},
		{true, true},
		{nil, nil},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, kestrel.Normalize(c.in))
	}
	loc := time.FixedZone("X", 3600)
	in := time.Date(2023, 6, 1, 11, 0, 0, 0, loc)
	assert.Equal(t, time.UTC, kestrel.Normalize(in).(time.Time).Location())
}

func TestAppendRowNormalizes(t *testing.T) {
	tbl := kestrel.NewTable(kestrel.Column{Name: "pid", Type: kestrel.TypeInt})
	tbl.AppendRow(int32(9))
	assert.Equal(t, int64(9), tbl.Rows[0][0])
}

func TestProjectReordersColumns(t *testing.T) {
	tbl := sample(t)
	out, err := tbl.Project([]string{"pid", "name"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pid", "name"}, out.ColumnNames())
	assert.Equal(t, kestrel.Row{int64(101), "cmd.exe"}, out.Rows[0])
	// The source table is untouched.
	assert.Equal(t, []string{"name", "pid", "created_time"}, tbl.ColumnNames())
}

func TestProjectReportsAllMissingColumns(t *testing.T) {
	_, err := sample(t).Project([]string{"name", "nope", "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope, bogus")
}

func TestSortByOrdersNullsFirst(t *testing.T) {
	tbl := sample(t)
	require.NoError(t, tbl.SortBy("pid", true))
	assert.Equal(t, kestrel.Row{"powershell.exe", nil, tbl.Rows[0][2]}, tbl.Rows[0])
	assert.Equal(t, int64(100), tbl.Rows[1][1])
	assert.Equal(t, int64(101), tbl.Rows[2][1])

	require.NoError(t, tbl.SortBy("pid", false))
	assert.Equal(t, int64(101), tbl.Rows[0][1])
	require.Error(t, tbl.SortBy("ghost", true))
}

func TestHeadLimitsRows(t *testing.T) {
	tbl := sample(t)
	assert.Equal(t, 2, tbl.Head(2).Len())
	assert.Equal(t, 3, tbl.Head(-1).Len())
	assert.Equal(t, 3, tbl.Head(10).Len())
}

func TestCloneDoesNotAlias(t *testing.T) {
	tbl := sample(t)
	clone := tbl.Clone()
	clone.Rows[0][0] = "tampered"
	assert.Equal(t, "cmd.exe", tbl.Rows[0][0])
}

func TestJSONRoundTripPreservesCellTypes(t *testing.T) {
	tbl := sample(t)
	data, err := json.Marshal(tbl)
	require.NoError(t, err)

	var got kestrel.Table
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, tbl.Columns, got.Columns)
	require.Equal(t, tbl.Len(), got.Len())
	assert.IsType(t, int64(0), got.Rows[0][1])
	assert.IsType(t, time.Time{}, got.Rows[0][2])
	assert.Equal(t, tbl.Rows, got.Rows)
}

func TestFormatValue(t *testing.T) {
	when, err := time.Parse(time.RFC3339, "2023-06-01T10:00:00Z")
	require.NoError(t, err)
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"cmd.exe", "cmd.exe"},
		{int64(42), "42"},
		{1.25, "1.25"},
		{true, "true"},
		{when, "2023-06-01T10:00:00Z"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, kestrel.FormatValue(c.in))
	}
}

func TestCompareValuesAcrossNumericTypes(t *testing.T) {
	assert.Negative(t, kestrel.CompareValues(int64(1), 1.5))
	assert.Positive(t, kestrel.CompareValues(2.5, int64(2)))
	assert.Zero(t, kestrel.CompareValues(int64(3), 3.0))
	assert.Negative(t, kestrel.CompareValues(nil, int64(0)))
	assert.Negative(t, kestrel.CompareValues("a", "b"))
}

func TestFormatAlignsColumns(t *testing.T) {
	out := sample(t).Format()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "name"))
	// Every column is padded, so all lines come out the same width.
	for _, line := range lines[1:] {
		assert.Len(t, line, len(lines[0]))
	}
}
