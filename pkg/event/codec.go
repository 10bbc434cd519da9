package event

import (
	"bytes"
	"reflect"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// Extra holds the members of a JSON object that have no typed field, or
// whose value did not fit the typed field. Extra members are written back
// unchanged when the object is encoded.
type Extra map[string]jsoniter.RawMessage

// with returns a copy of e with key set to raw.
func (e Extra) with(key string, raw jsoniter.RawMessage) Extra {
	cp := make(Extra, len(e)+1)
	for k, v := range e {
		cp[k] = v
	}
	cp[key] = raw
	return cp
}

func (e Extra) clone() Extra {
	if e == nil {
		return nil
	}
	cp := make(Extra, len(e))
	for k, v := range e {
		cp[k] = v
	}
	return cp
}

// objectFields maps JSON member names to struct field indices.
var objectFields sync.Map // reflect.Type -> map[string]int

func fieldsOf(t reflect.Type) map[string]int {
	if cached, ok := objectFields.Load(t); ok {
		return cached.(map[string]int)
	}

	fields := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			continue
		case "":
			name = f.Name
		}
		fields[name] = i
	}
	objectFields.Store(t, fields)
	return fields
}

// decodeObject decodes the JSON object in buf into the struct pointed to by
// dst member by member. Members without a field, and members whose value
// cannot be decoded into their field, are returned as Extra and leave the
// field zero. An error is only returned if buf is not an object.
func decodeObject(buf []byte, dst interface{}) (Extra, error) {
	var members map[string]jsoniter.RawMessage
	if err := json.Unmarshal(buf, &members); err != nil {
		return nil, err
	}

	var (
		v      = reflect.ValueOf(dst).Elem()
		fields = fieldsOf(v.Type())
		extra  Extra
	)
	for name, raw := range members {
		if idx, ok := fields[name]; ok {
			fv := v.Field(idx)
			tmp := reflect.New(fv.Type())
			if err := json.Unmarshal(raw, tmp.Interface()); err == nil {
				fv.Set(tmp.Elem())
				continue
			}
		}
		if extra == nil {
			extra = make(Extra)
		}
		extra[name] = raw
	}
	return extra, nil
}

var jsonNull = []byte("null")

// encodeObject encodes v and merges extra into the result. A typed member
// takes precedence over an extra one unless it encoded to null.
func encodeObject(v interface{}, extra Extra) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return buf, err
	}

	var members map[string]jsoniter.RawMessage
	if err := json.Unmarshal(buf, &members); err != nil {
		return nil, err
	}
	for name, raw := range extra {
		if cur, ok := members[name]; !ok || bytes.Equal(bytes.TrimSpace(cur), jsonNull) {
			members[name] = raw
		}
	}
	return json.Marshal(members)
}

// decodeEntries decodes a JSON array entry by entry. Entries that cannot be
// decoded are left nil and returned by index. ok is false if raw is not an
// array.
func decodeEntries[T any](raw jsoniter.RawMessage) (values []*T, invalid map[int]jsoniter.RawMessage, ok bool) {
	var entries []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil, false
	}

	values = make([]*T, len(entries))
	for i, entry := range entries {
		var v *T
		if err := json.Unmarshal(entry, &v); err != nil {
			if invalid == nil {
				invalid = make(map[int]jsoniter.RawMessage)
			}
			invalid[i] = entry
			continue
		}
		values[i] = v
	}
	return values, invalid, true
}

// encodeEntries is the inverse of decodeEntries: nil entries with a
// recorded invalid value are written back as they were received.
func encodeEntries[T any](values []*T, invalid map[int]jsoniter.RawMessage) (jsoniter.RawMessage, error) {
	entries := make([]jsoniter.RawMessage, len(values))
	for i, v := range values {
		if raw, ok := invalid[i]; ok && v == nil {
			entries[i] = raw
			continue
		}
		buf, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		entries[i] = buf
	}
	return json.Marshal(entries)
}
