package ais

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestParseReading(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Reading
		wantErr bool
	}{
		{"number", "12.5", Reading{Value: 12.5, Valid: true}, false},
		{"zero", "0", Reading{Value: 0, Valid: true}, false},
		{"negative", "-127", Reading{Value: -127, Valid: true}, false},
		{"padded", "  3 ", Reading{Value: 3, Valid: true}, false},
		{"empty", "", Reading{}, false},
		{"nan", "nan", Reading{}, false},
		{"NaN", "NaN", Reading{}, false},
		{"garbage", "fast", Reading{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReading(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidReading_NaN(t *testing.T) {
	assert.False(t, ValidReading(math.NaN()).Valid)
	assert.True(t, ValidReading(1).Valid)
}

func TestReading_BSON(t *testing.T) {
	in := Observation{
		MMSI:      219000001,
		Timestamp: time.Date(2023, 2, 27, 0, 0, 1, 0, time.UTC),
		ROT:       ValidReading(0),
		SOG:       ValidReading(11.2),
		COG:       Reading{},
		Heading:   ValidReading(270),
	}

	data, err := bson.Marshal(in)
	require.NoError(t, err)

	var doc bson.M
	require.NoError(t, bson.Unmarshal(data, &doc))
	assert.Nil(t, doc[FieldCOG], "absent reading must be stored as null")
	assert.Equal(t, 11.2, doc[FieldSOG])

	var out Observation
	require.NoError(t, bson.Unmarshal(data, &out))
	assert.Equal(t, in.MMSI, out.MMSI)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.SOG, out.SOG)
	assert.False(t, out.COG.Valid)
	assert.True(t, out.HasMissingSensor())
}

func TestReading_BSONNaNAndIntegers(t *testing.T) {
	data, err := bson.Marshal(bson.D{
		{Key: FieldMMSI, Value: int64(1)},
		{Key: FieldROT, Value: math.NaN()},
		{Key: FieldSOG, Value: int32(4)},
		{Key: FieldCOG, Value: int64(90)},
		{Key: FieldHeading, Value: 180.0},
	})
	require.NoError(t, err)

	var out Observation
	require.NoError(t, bson.Unmarshal(data, &out))
	assert.False(t, out.ROT.Valid)
	assert.Equal(t, ValidReading(4), out.SOG)
	assert.Equal(t, ValidReading(90), out.COG)
	assert.Equal(t, ValidReading(180), out.Heading)
}

func TestReading_JSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Reading
	}{
		{"number", `5.5`, ValidReading(5.5)},
		{"string number", `"7"`, ValidReading(7)},
		{"null", `null`, Reading{}},
		{"empty string", `""`, Reading{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Reading
			require.NoError(t, json.Unmarshal([]byte(tt.input), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	out, err := json.Marshal(struct {
		A Reading `json:"a"`
		B Reading `json:"b"`
	}{A: ValidReading(1.5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1.5,"b":null}`, string(out))
}

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("27/02/2023 13:04:05", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 2, 27, 13, 4, 5, 0, time.UTC), got)

	_, err = ParseTimestamp("2023-02-27T13:04:05Z", "")
	assert.ErrorIs(t, err, ErrTimestamp)

	got, err = ParseTimestamp("2023-02-27T13:04:05Z", time.RFC3339)
	require.NoError(t, err)
	assert.Equal(t, 13, got.Hour())
}
