package ais

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Prepared dataset column names.
const (
	ColumnTimestamp          = "timestamp"
	ColumnMobileType         = "type_mobile"
	ColumnMMSI               = "MMSI"
	ColumnLatitude           = "latitude"
	ColumnLongitude          = "longitude"
	ColumnNavigationalStatus = "navigational_status"
	ColumnROT                = "ROT"
	ColumnSOG                = "SOG"
	ColumnCOG                = "COG"
	ColumnHeading            = "heading"
)

// SourceColumns maps the raw AIS dump headers to prepared column names, in output order.
var SourceColumns = []struct {
	Source   string
	Prepared string
}{
	{"# Timestamp", ColumnTimestamp},
	{"Type of mobile", ColumnMobileType},
	{"MMSI", ColumnMMSI},
	{"Latitude", ColumnLatitude},
	{"Longitude", ColumnLongitude},
	{"Navigational status", ColumnNavigationalStatus},
	{"ROT", ColumnROT},
	{"SOG", ColumnSOG},
	{"COG", ColumnCOG},
	{"Heading", ColumnHeading},
}

// Header resolves prepared column names to record positions.
type Header map[string]int

// NewHeader builds a Header and checks that the mandatory columns are present.
func NewHeader(columns []string) (Header, error) {
	h := make(Header, len(columns))
	for i, c := range columns {
		h[strings.TrimSpace(c)] = i
	}
	for _, required := range []string{ColumnTimestamp, ColumnMMSI} {
		if _, ok := h[required]; !ok {
			return nil, errors.Errorf("missing column %q", required)
		}
	}
	return h, nil
}

func (h Header) get(record []string, column string) string {
	i, ok := h[column]
	if !ok || i >= len(record) {
		return ""
	}
	return record[i]
}

// Decode converts one prepared CSV record into an Observation. The timestamp is
// parsed with layout; a bad timestamp returns an error wrapping ErrTimestamp.
func (h Header) Decode(record []string, layout string) (Observation, error) {
	var o Observation

	mmsi, err := strconv.ParseInt(strings.TrimSpace(h.get(record, ColumnMMSI)), 10, 64)
	if err != nil {
		return o, errors.Wrap(err, "parse mmsi")
	}
	o.MMSI = mmsi

	o.Timestamp, err = ParseTimestamp(h.get(record, ColumnTimestamp), layout)
	if err != nil {
		return o, err
	}

	if o.Latitude, err = parseCoordinate(h.get(record, ColumnLatitude)); err != nil {
		return o, errors.Wrap(err, "parse latitude")
	}
	if o.Longitude, err = parseCoordinate(h.get(record, ColumnLongitude)); err != nil {
		return o, errors.Wrap(err, "parse longitude")
	}

	o.MobileType = strings.TrimSpace(h.get(record, ColumnMobileType))
	o.NavigationalStatus = strings.TrimSpace(h.get(record, ColumnNavigationalStatus))

	readings := []struct {
		column string
		dst    *Reading
	}{
		{ColumnROT, &o.ROT},
		{ColumnSOG, &o.SOG},
		{ColumnCOG, &o.COG},
		{ColumnHeading, &o.Heading},
	}
	for _, r := range readings {
		v, err := ParseReading(h.get(record, r.column))
		if err != nil {
			return o, errors.Wrapf(err, "parse %s", r.column)
		}
		*r.dst = v
	}

	return o, nil
}

func parseCoordinate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
