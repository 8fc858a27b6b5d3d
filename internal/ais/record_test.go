package ais

import (
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var preparedColumns = []string{
	"timestamp", "type_mobile", "MMSI", "latitude", "longitude",
	"navigational_status", "ROT", "SOG", "COG", "heading",
}

func TestNewHeader_MissingColumn(t *testing.T) {
	_, err := NewHeader([]string{"timestamp", "latitude"})
	assert.Error(t, err)
}

func TestHeader_Decode(t *testing.T) {
	h, err := NewHeader(preparedColumns)
	require.NoError(t, err)

	o, err := h.Decode([]string{
		"27/02/2023 00:00:03", "Class A", "219000429", "55.4", "11.2",
		"Under way using engine", "0.0", "9.8", "", "nan",
	}, "")
	require.NoError(t, err)

	assert.Equal(t, int64(219000429), o.MMSI)
	assert.Equal(t, time.Date(2023, 2, 27, 0, 0, 3, 0, time.UTC), o.Timestamp)
	assert.Equal(t, "Class A", o.MobileType)
	assert.Equal(t, 55.4, o.Latitude)
	assert.Equal(t, ValidReading(0), o.ROT)
	assert.Equal(t, ValidReading(9.8), o.SOG)
	assert.False(t, o.COG.Valid)
	assert.False(t, o.Heading.Valid)
	assert.True(t, o.HasMissingSensor())
}

func TestHeader_DecodeErrors(t *testing.T) {
	h, err := NewHeader(preparedColumns)
	require.NoError(t, err)

	tests := []struct {
		name   string
		record []string
		isTS   bool
	}{
		{"bad timestamp", []string{"2023-02-27", "", "1", "0", "0", "", "", "", "", ""}, true},
		{"bad mmsi", []string{"27/02/2023 00:00:03", "", "x", "0", "0", "", "", "", "", ""}, false},
		{"bad sog", []string{"27/02/2023 00:00:03", "", "1", "0", "0", "", "", "fast", "", ""}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Decode(tt.record, "")
			require.Error(t, err)
			assert.Equal(t, tt.isTS, errors.Is(err, ErrTimestamp))
		})
	}
}

func TestHeader_DecodeEmptyCoordinates(t *testing.T) {
	h, err := NewHeader(preparedColumns)
	require.NoError(t, err)

	o, err := h.Decode([]string{"27/02/2023 00:00:03", "", "7", "", "", "", "1", "1", "1", "1"}, "")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(o.Latitude))
	assert.False(t, o.HasMissingSensor())
}
