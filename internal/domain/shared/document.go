package shared

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// IDField is the document key that carries the entity identifier.
const IDField = "id"

// Document is a JSON object exchanged between services, cached and
// published verbatim. Writes always replace the whole document.
type Document map[string]any

// UnmarshalJSON decodes numbers as json.Number so integers beyond 2^53
// keep their exact value through cache, event and storage round trips.
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*d = m
	return nil
}

// ID returns the integer identifier stored under IDField.
// Float values are accepted only when they hold an integral number.
func (d Document) ID() (int64, bool) {
	if d == nil {
		return 0, false
	}
	return toInt64(d[IDField])
}

// Int64 reads an integer-valued field, e.g. a foreign key like "product_id".
func (d Document) Int64(key string) (int64, bool) {
	if d == nil {
		return 0, false
	}
	return toInt64(d[key])
}

// Clone returns a shallow copy so callers can attach fields without
// mutating a document held by someone else.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
