package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ais_pipeline/internal/ais"
	"ais_pipeline/internal/partition"
)

const preparedHeader = "timestamp,type_mobile,MMSI,latitude,longitude,navigational_status,ROT,SOG,COG,heading\n"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func preparedRows(n int) string {
	var b strings.Builder
	b.WriteString(preparedHeader)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "27/02/2023 00:00:%02d,Class A,2190%d,55.1,12.5,Under way,0.0,10.2,,180\n", i, i)
	}
	return b.String()
}

func TestCSVLoader_LoadsOnlyItsSlice(t *testing.T) {
	path := writeFile(t, "prepared.csv", preparedRows(10))
	l := &CSVLoader{Path: path}

	n, err := l.Rows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	obs, err := l.Load(context.Background(), partition.Range{Index: 1, Start: 3, End: 6})
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.Equal(t, int64(21903), obs[0].MMSI)
	assert.Equal(t, int64(21905), obs[2].MMSI)
	assert.Equal(t, 3, obs[0].Timestamp.Second())
	assert.True(t, obs[0].SOG.Valid)
	assert.False(t, obs[0].COG.Valid, "empty COG is a missing reading")
	assert.True(t, obs[0].HasMissingSensor())
}

func TestCSVLoader_EmptyRange(t *testing.T) {
	l := &CSVLoader{Path: "/does/not/exist.csv"}
	obs, err := l.Load(context.Background(), partition.Range{Start: 4, End: 4})
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestCSVLoader_BadTimestampIsRowError(t *testing.T) {
	content := preparedHeader +
		"27/02/2023 00:00:00,Class A,1,55,12,,0,0,0,0\n" +
		"2023-02-27T00:00:01,Class A,1,55,12,,0,0,0,0\n"
	l := &CSVLoader{Path: writeFile(t, "bad.csv", content)}

	_, err := l.Load(context.Background(), partition.Range{Start: 0, End: 2})
	require.Error(t, err)

	var rowErr *RowError
	require.True(t, errors.As(err, &rowErr))
	assert.Equal(t, 1, rowErr.Row)
	assert.ErrorIs(t, err, ais.ErrTimestamp)
}

func TestCSVLoader_BadRowOutsideSliceIsIgnored(t *testing.T) {
	content := preparedHeader +
		"garbage,Class A,1,55,12,,0,0,0,0\n" +
		"27/02/2023 00:00:01,Class A,2,55,12,,0,0,0,0\n"
	l := &CSVLoader{Path: writeFile(t, "partial.csv", content)}

	obs, err := l.Load(context.Background(), partition.Range{Start: 1, End: 2})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, int64(2), obs[0].MMSI)
}

func TestPrepare_RenamesAndTruncates(t *testing.T) {
	src := writeFile(t, "aisdk.csv",
		"# Timestamp,Type of mobile,MMSI,Latitude,Longitude,Navigational status,ROT,SOG,COG,Heading,IMO,Callsign\n"+
			"27/02/2023 00:00:00,Class A,219000001,55.1,12.5,Moored,0,0.1,10,200,Unknown,OXAB\n"+
			"27/02/2023 00:00:01,Class B,219000002,55.2,12.6,Unknown value,,,,,Unknown,OXAC\n"+
			"27/02/2023 00:00:02,Class A,219000003,55.3,12.7,Moored,0,0.1,10,200,Unknown,OXAD\n")
	dst := filepath.Join(t.TempDir(), "filtered.csv")

	n, err := Prepare(src, dst, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.TrimSpace(preparedHeader), lines[0])
	assert.Equal(t, "27/02/2023 00:00:01,Class B,219000002,55.2,12.6,Unknown value,,,,", lines[2])

	obs, err := (&CSVLoader{Path: dst}).Load(context.Background(), partition.Range{Start: 0, End: 2})
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.False(t, obs[0].HasMissingSensor())
	assert.True(t, obs[1].HasMissingSensor())
}

func TestPrepare_SkipsExistingOutput(t *testing.T) {
	dst := writeFile(t, "filtered.csv", "already here\n")

	n, err := Prepare("/does/not/exist.csv", dst, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "already here\n", string(data))
}

func TestPrepare_MissingSourceColumn(t *testing.T) {
	src := writeFile(t, "short.csv", "# Timestamp,MMSI\n27/02/2023 00:00:00,1\n")
	dst := filepath.Join(t.TempDir(), "out.csv")

	_, err := Prepare(src, dst, 0)
	require.Error(t, err)
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}
