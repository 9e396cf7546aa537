package runtime

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// KeyWarnings holds the human-readable warnings recorded by loop exhaustion
// and other best-effort fallbacks.
const KeyWarnings = "warnings"

// State is the single container threaded through a pipeline invocation.
// Values are plain data: strings, numbers, booleans, slices and maps.
type State map[string]any

// NewState returns a state seeded with a deep copy of seed.
func NewState(seed map[string]any) State {
	s := State{}
	for k, v := range seed {
		s[k] = cloneValue(v)
	}
	return s
}

// Merge returns s with every key of partial overwritten and every other key
// unchanged. Neither argument is modified.
func Merge(s State, partial map[string]any) State {
	out := s.Clone()
	out.Apply(partial)
	return out
}

// Apply merges partial into s in place. Keys are never removed.
func (s State) Apply(partial map[string]any) {
	for k, v := range partial {
		s[k] = cloneValue(v)
	}
}

// Clone deep-copies maps and slices so the copy shares no mutable values
// with s.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s State) Has(key string) bool {
	_, ok := s[key]
	return ok
}

func (s State) GetString(key, def string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func (s State) GetInt(key string, def int) int {
	v, ok := s[key]
	if !ok {
		return def
	}
	n, ok := toInt(v)
	if !ok {
		return def
	}
	return n
}

func (s State) GetBool(key string, def bool) bool {
	v, ok := s[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

// GetStrings reads a list of strings. Lists restored from JSON arrive as
// []any and are converted element by element.
func (s State) GetStrings(key string) []string {
	switch t := s[key].(type) {
	case []string:
		return append([]string{}, t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if str, ok := v.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// GetIntMap reads a name -> count mapping.
func (s State) GetIntMap(key string) map[string]int {
	switch t := s[key].(type) {
	case map[string]int:
		out := make(map[string]int, len(t))
		for k, v := range t {
			out[k] = v
		}
		return out
	case map[string]any:
		out := make(map[string]int, len(t))
		for k, v := range t {
			if n, ok := toInt(v); ok {
				out[k] = n
			}
		}
		return out
	default:
		return nil
	}
}

// Decode converts the value under key into out via a JSON round trip.
// A missing key leaves out untouched and returns nil.
func (s State) Decode(key string, out any) error {
	v, ok := s[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state key %q: %w", key, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("state key %q: %w", key, err)
	}
	return nil
}

func (s State) Warnings() []string {
	return s.GetStrings(KeyWarnings)
}

// WithWarning returns a partial update appending msg to the warnings list.
func WithWarning(s State, msg string) map[string]any {
	msg = strings.TrimSpace(msg)
	ws := s.Warnings()
	if msg != "" {
		ws = append(ws, msg)
	}
	return map[string]any{KeyWarnings: ws}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case float32:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, json.Number:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]int:
		out := make(map[string]int, len(t))
		for k, vv := range t {
			out[k] = vv
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, vv := range t {
			out[k] = vv
		}
		return out
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

func cloneReflect(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value(), rv.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneElem(rv.Index(i), rv.Type().Elem()))
		}
		return out
	default:
		return rv
	}
}

func cloneElem(v reflect.Value, elem reflect.Type) reflect.Value {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(elem)
		}
		c := cloneValue(v.Elem().Interface())
		return reflect.ValueOf(c)
	}
	return cloneReflect(v)
}
