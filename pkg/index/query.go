package index

import (
	"encoding/json"
	"fmt"
)

// Op is a predicate comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLe  Op = "<="
	OpGt  Op = ">"
	OpGe  Op = ">="
	OpIn  Op = "in"
)

// Predicate is one column filter: (column, op, value). For OpIn the
// value is a slice of candidate values.
type Predicate struct {
	Column string      `json:"column"`
	Op     Op          `json:"op"`
	Value  interface{} `json:"value"`
}

// Validate checks the predicate names a known column and operator.
func (p Predicate) Validate() error {
	found := false
	for _, def := range columnSchema {
		if def.Name == p.Column {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown column %q", p.Column)
	}
	switch p.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpIn:
		return nil
	default:
		return fmt.Errorf("unknown operator %q", p.Op)
	}
}

// recordColumn extracts a comparable column value from a record.
// Time columns compare as unix nanos; json columns compare as their
// encoded string form.
func recordColumn(r *Record, name string) interface{} {
	switch name {
	case "fingerprint":
		return r.Fingerprint.String()
	case "codec":
		return r.Codec
	case "hash_algorithm":
		return r.HashAlgorithm
	case "size_bytes":
		return r.SizeBytes
	case "block_count":
		return r.BlockCount
	case "access_count":
		return r.AccessCount
	case "last_access":
		return timeToUnix(r.LastAccess)
	case "heat_score":
		return r.HeatScore
	case "created_at":
		return timeToUnix(r.CreatedAt)
	case "updated_at":
		return timeToUnix(r.UpdatedAt)
	case "mime_type":
		return r.MimeType
	case "name":
		return r.Name
	case "deleted_at":
		return timeToUnix(r.DeletedAt)
	case "locations":
		raw, _ := json.Marshal(r.Locations)
		return string(raw)
	case "tags":
		raw, _ := json.Marshal(r.Tags)
		return string(raw)
	case "properties":
		raw, _ := json.Marshal(r.Properties)
		return string(raw)
	default:
		return nil
	}
}

// Match evaluates the predicate against one column value.
func (p Predicate) Match(value interface{}) bool {
	if p.Op == OpIn {
		candidates, ok := toSlice(p.Value)
		if !ok {
			return false
		}
		for _, c := range candidates {
			if compareValues(value, c) == 0 {
				return true
			}
		}
		return false
	}

	cmp := compareValues(value, p.Value)
	if cmp == incomparable {
		return false
	}
	switch p.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

const incomparable = -2

// compareValues compares a column value with a predicate operand,
// coercing across Go's numeric types (JSON decoding hands us float64,
// callers hand us ints).
func compareValues(a, b interface{}) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
		return incomparable
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	return incomparable
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []int64:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}

// matchPartition evaluates predicates against one partition using only
// the predicate columns, returning matching row indices.
func matchPartition(p *Partition, preds []Predicate) ([]int, error) {
	rowCount := p.RowCount()
	if rowCount == 0 {
		return nil, nil
	}

	matched := make([]bool, rowCount)
	for i := range matched {
		matched[i] = true
	}

	for _, pred := range preds {
		var def *columnDef
		for i := range columnSchema {
			if columnSchema[i].Name == pred.Column {
				def = &columnSchema[i]
				break
			}
		}
		if def == nil {
			return nil, fmt.Errorf("unknown column %q", pred.Column)
		}

		switch def.Type {
		case colString, colJSON:
			values, err := p.StringColumn(def.Name)
			if err != nil {
				return nil, err
			}
			for i := range matched {
				if matched[i] && !pred.Match(values[i]) {
					matched[i] = false
				}
			}
		case colInt64:
			values, err := p.Int64Column(def.Name)
			if err != nil {
				return nil, err
			}
			for i := range matched {
				if matched[i] && !pred.Match(values[i]) {
					matched[i] = false
				}
			}
		case colFloat64:
			values, err := p.Float64Column(def.Name)
			if err != nil {
				return nil, err
			}
			for i := range matched {
				if matched[i] && !pred.Match(values[i]) {
					matched[i] = false
				}
			}
		}
	}

	var indices []int
	for i, ok := range matched {
		if ok {
			indices = append(indices, i)
		}
	}
	return indices, nil
}
