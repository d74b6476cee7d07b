// Package typemap maps abstract column types onto PostgreSQL types and converts row
// values between their wire form and the driver's storage form.
package typemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

// DateLayout is the wire format of date values.
const DateLayout = "2006-01-02"

// ErrTypeMismatch is returned when a value cannot be stored in a column of the given type.
var ErrTypeMismatch = errors.New("type mismatch")

var nativeTypes = map[models.DataType]string{
	models.DataTypeString:          "VARCHAR(255)",
	models.DataTypeText:            "TEXT",
	models.DataTypeInteger:         "INTEGER",
	models.DataTypeBigInteger:      "BIGINT",
	models.DataTypeFloat:           "DOUBLE PRECISION",
	models.DataTypeDecimal:         "NUMERIC",
	models.DataTypeBoolean:         "BOOLEAN",
	models.DataTypeDate:            "DATE",
	models.DataTypeTimestamp:       "TIMESTAMPTZ",
	models.DataTypeUUID:            "UUID",
	models.DataTypeJSON:            "JSONB",
	models.DataTypeArray:           "TEXT[]",
	models.DataTypeSystemTimestamp: "TIMESTAMPTZ",
}

// ToNativeType returns the column type for an abstract type.
// Callers validate input first; an unknown type here is a bug and panics.
func ToNativeType(t models.DataType) string {
	native, ok := nativeTypes[t]
	if !ok {
		panic(fmt.Sprintf("typemap: no native type for %q", t))
	}
	return native
}

// DefaultExpression returns the column default for system-managed types, nil otherwise.
func DefaultExpression(t models.DataType) *string {
	if t != models.DataTypeSystemTimestamp {
		return nil
	}
	expr := "now()"
	return &expr
}

// RecommendedIndexKind picks an inverted index for structured types and a B-tree for scalars.
func RecommendedIndexKind(t models.DataType) models.IndexKind {
	if t.IsStructured() {
		return models.IndexKindGIN
	}
	return models.IndexKindBTree
}

// ToStorageValue converts a row value into the argument passed to the driver for a
// column of type t. Null passes through as nil. JSON values are serialized to text.
func ToStorageValue(t models.DataType, v models.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}

	switch t {
	case models.DataTypeString, models.DataTypeText:
		if s, ok := v.AsString(); ok {
			return s, nil
		}

	case models.DataTypeInteger, models.DataTypeBigInteger:
		n, ok := asInteger(v)
		if !ok {
			break
		}
		if t == models.DataTypeInteger && (n < math.MinInt32 || n > math.MaxInt32) {
			return nil, fmt.Errorf("%w: %d overflows integer", ErrTypeMismatch, n)
		}
		return n, nil

	case models.DataTypeFloat:
		if f, ok := v.AsFloat(); ok {
			return f, nil
		}

	case models.DataTypeDecimal:
		if n, ok := v.AsInt(); ok {
			return n, nil
		}
		if f, ok := v.AsFloat(); ok {
			return f, nil
		}
		if s, ok := v.AsString(); ok {
			var num pgtype.Numeric
			if err := num.Scan(s); err != nil {
				return nil, fmt.Errorf("%w: %q is not a decimal", ErrTypeMismatch, s)
			}
			return num, nil
		}

	case models.DataTypeBoolean:
		if b, ok := v.AsBool(); ok {
			return b, nil
		}

	case models.DataTypeDate:
		if s, ok := v.AsString(); ok {
			d, err := time.Parse(DateLayout, s)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a date", ErrTypeMismatch, s)
			}
			return d, nil
		}

	case models.DataTypeTimestamp, models.DataTypeSystemTimestamp:
		if s, ok := v.AsString(); ok {
			ts, err := parseTimestamp(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a timestamp", ErrTypeMismatch, s)
			}
			return ts, nil
		}

	case models.DataTypeUUID:
		if s, ok := v.AsString(); ok {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a uuid", ErrTypeMismatch, s)
			}
			return id, nil
		}

	case models.DataTypeJSON:
		raw, err := v.MarshalJSON()
		if err != nil {
			return nil, err
		}
		return string(raw), nil

	case models.DataTypeArray:
		raw, ok := v.AsJSON()
		if !ok {
			break
		}
		var items []string
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: array elements must be strings", ErrTypeMismatch)
		}
		return items, nil

	default:
		return nil, fmt.Errorf("%w: unknown data type %q", ErrTypeMismatch, t)
	}

	return nil, fmt.Errorf("%w: cannot store %s in %s column", ErrTypeMismatch, v.Kind(), t)
}

// FromStorageValue converts a value scanned by the driver back into a row value.
// It accepts both the driver's decoded forms and the forms produced by ToStorageValue.
// JSON columns must be scanned as raw bytes (see ScanTarget) so that string and
// text payloads are always treated as serialized JSON.
func FromStorageValue(t models.DataType, src any) (models.Value, error) {
	if src == nil {
		return models.Null(), nil
	}

	switch t {
	case models.DataTypeJSON:
		switch s := src.(type) {
		case string:
			return models.JSON([]byte(s))
		case json.RawMessage:
			if len(s) == 0 {
				return models.Null(), nil
			}
			return models.JSON(s)
		case []byte:
			if len(s) == 0 {
				return models.Null(), nil
			}
			return models.JSON(s)
		}
		raw, err := json.Marshal(src)
		if err != nil {
			return models.Value{}, fmt.Errorf("encode json column: %w", err)
		}
		return models.JSON(raw)

	case models.DataTypeArray:
		raw, err := json.Marshal(src)
		if err != nil {
			return models.Value{}, fmt.Errorf("encode array column: %w", err)
		}
		return models.JSON(raw)

	case models.DataTypeDate:
		if ts, ok := src.(time.Time); ok {
			return models.String(ts.Format(DateLayout)), nil
		}

	case models.DataTypeTimestamp, models.DataTypeSystemTimestamp:
		if ts, ok := src.(time.Time); ok {
			return models.String(ts.UTC().Format(time.RFC3339Nano)), nil
		}

	case models.DataTypeUUID:
		switch id := src.(type) {
		case [16]byte:
			return models.String(uuid.UUID(id).String()), nil
		case uuid.UUID:
			return models.String(id.String()), nil
		}

	case models.DataTypeDecimal:
		if num, ok := src.(pgtype.Numeric); ok {
			return numericValue(num)
		}
	}

	return models.ValueOf(src)
}

// ScanTarget returns a destination for scanning a column of type t.
// JSON columns scan into raw bytes; every other type scans into the driver's default form.
func ScanTarget(t models.DataType) any {
	if t == models.DataTypeJSON {
		return new(json.RawMessage)
	}
	return new(any)
}

// ScannedValue dereferences a destination created by ScanTarget.
func ScannedValue(dest any) any {
	switch d := dest.(type) {
	case *json.RawMessage:
		if *d == nil {
			return nil
		}
		return *d
	case *any:
		return *d
	}
	return dest
}

func asInteger(v models.Value) (int64, bool) {
	if n, ok := v.AsInt(); ok {
		return n, true
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
	if f, ok := v.AsFloat(); ok && f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f), true
	}
	return 0, false
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", DateLayout} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func numericValue(num pgtype.Numeric) (models.Value, error) {
	if !num.Valid {
		return models.Null(), nil
	}
	if num.NaN || num.InfinityModifier != pgtype.Finite {
		f, err := num.Float64Value()
		if err != nil {
			return models.Value{}, err
		}
		return models.Float(f.Float64), nil
	}
	if num.Exp >= 0 {
		if n, err := num.Int64Value(); err == nil {
			return models.Int(n.Int64), nil
		}
	}
	f, err := num.Float64Value()
	if err != nil {
		return models.Value{}, fmt.Errorf("decode numeric: %w", err)
	}
	text, err := num.Value()
	if err != nil {
		return models.Value{}, fmt.Errorf("decode numeric: %w", err)
	}
	s, _ := text.(string)
	if !sameDecimal(s, f.Float64) {
		return models.String(s), nil
	}
	return models.Float(f.Float64), nil
}

// sameDecimal reports whether the shortest decimal form of f denotes exactly
// the decimal text s.
func sameDecimal(s string, f float64) bool {
	exact, ok := new(big.Rat).SetString(s)
	if !ok {
		return false
	}
	shortest, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	return ok && exact.Cmp(shortest) == 0
}
