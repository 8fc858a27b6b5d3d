// Package ais provides AIS vessel observation types and decoding.
package ais

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document field names shared by the store, the quality filter and the aggregator.
const (
	FieldID        = "_id"
	FieldMMSI      = "mmsi"
	FieldTimestamp = "timestamp"
	FieldROT       = "rot"
	FieldSOG       = "sog"
	FieldCOG       = "cog"
	FieldHeading   = "heading"
)

// SensorFields lists the auxiliary sensor fields that may be missing.
var SensorFields = []string{FieldROT, FieldSOG, FieldCOG, FieldHeading}

// DefaultTimestampLayout matches the "27/02/2023 00:00:00" format of the Danish AIS dumps.
const DefaultTimestampLayout = "02/01/2006 15:04:05"

// ErrTimestamp is returned when a timestamp cannot be parsed.
var ErrTimestamp = errors.New("invalid timestamp")

// Observation is one timestamped position report of a vessel.
type Observation struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	MMSI               int64              `bson:"mmsi" json:"mmsi"`
	Timestamp          time.Time          `bson:"timestamp" json:"timestamp"`
	MobileType         string             `bson:"type_mobile,omitempty" json:"type_mobile,omitempty"`
	Latitude           float64            `bson:"latitude" json:"latitude"`
	Longitude          float64            `bson:"longitude" json:"longitude"`
	NavigationalStatus string             `bson:"navigational_status,omitempty" json:"navigational_status,omitempty"`
	ROT                Reading            `bson:"rot" json:"rot"`
	SOG                Reading            `bson:"sog" json:"sog"`
	COG                Reading            `bson:"cog" json:"cog"`
	Heading            Reading            `bson:"heading" json:"heading"`
}

// HasMissingSensor reports whether any auxiliary sensor reading is absent.
func (o *Observation) HasMissingSensor() bool {
	return !o.ROT.Valid || !o.SOG.Valid || !o.COG.Valid || !o.Heading.Valid
}

// ParseTimestamp parses a source timestamp into UTC.
func ParseTimestamp(s, layout string) (time.Time, error) {
	if layout == "" {
		layout = DefaultTimestampLayout
	}
	t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrTimestamp, "%q: %v", s, err)
	}
	return t, nil
}

// Reading is a sensor value that may be absent. Absent readings are stored as
// BSON null and rendered as JSON null.
type Reading struct {
	Value float64
	Valid bool
}

// ValidReading returns a present reading, or an absent one for NaN.
func ValidReading(v float64) Reading {
	if math.IsNaN(v) {
		return Reading{}
	}
	return Reading{Value: v, Valid: true}
}

// ParseReading decodes source text. Empty strings and NaN are absent readings.
func ParseReading(s string) (Reading, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return Reading{}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Reading{}, err
	}
	return ValidReading(f), nil
}

// MarshalBSONValue implements bson.ValueMarshaler.
func (r Reading) MarshalBSONValue() (bsontype.Type, []byte, error) {
	if !r.Valid {
		return bsontype.Null, nil, nil
	}
	return bson.MarshalValue(r.Value)
}

// UnmarshalBSONValue implements bson.ValueUnmarshaler. Null, undefined and NaN
// decode to an absent reading.
func (r *Reading) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.Null, bsontype.Undefined:
		*r = Reading{}
		return nil
	case bsontype.Double:
		f, ok := raw.DoubleOK()
		if !ok {
			return errors.New("malformed double")
		}
		*r = ValidReading(f)
		return nil
	case bsontype.Int32:
		i, ok := raw.Int32OK()
		if !ok {
			return errors.New("malformed int32")
		}
		*r = ValidReading(float64(i))
		return nil
	case bsontype.Int64:
		i, ok := raw.Int64OK()
		if !ok {
			return errors.New("malformed int64")
		}
		*r = ValidReading(float64(i))
		return nil
	}
	return errors.Errorf("cannot decode %s into a reading", t)
}

// MarshalJSON renders absent readings as null.
func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

// UnmarshalJSON accepts numbers, numeric strings and null.
func (r *Reading) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Reading{}
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*r = ValidReading(f)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseReading(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
