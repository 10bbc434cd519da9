// Package event holds the crash event payload that stack trace processing
// reads and rewrites.
package event

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is a single crash or error event as submitted by an SDK.
type Event struct {
	EventID  string `json:"event_id,omitempty"`
	Project  int64  `json:"project"`
	Platform string `json:"platform,omitempty"`
	Release  string `json:"release,omitempty"`
	Dist     string `json:"dist,omitempty"`

	Exception  *ExceptionContainer `json:"exception,omitempty"`
	Stacktrace *Stacktrace         `json:"stacktrace,omitempty"`
	Threads    *ThreadContainer    `json:"threads,omitempty"`

	Errors []ProcessingError `json:"errors,omitempty"`

	// Extra keeps every other member of the payload.
	Extra Extra `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler. A section that does not have
// the expected shape is kept in Extra instead of failing the whole event.
func (e *Event) UnmarshalJSON(buf []byte) error {
	type plain Event
	var p plain
	extra, err := decodeObject(buf, &p)
	if err != nil {
		return err
	}
	*e = Event(p)
	e.Extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return encodeObject(plain(e), e.Extra)
}

// ExceptionContainer holds the chained exceptions of an event.
type ExceptionContainer struct {
	Values []*Exception `json:"values"`
	Extra  Extra        `json:"-"`

	invalid map[int]jsoniter.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler. Entries that are not
// exceptions are left nil and written back unchanged on encoding.
func (c *ExceptionContainer) UnmarshalJSON(buf []byte) error {
	type plain ExceptionContainer
	var p plain
	extra, err := decodeObject(buf, &p)
	if err != nil {
		return err
	}
	*c = ExceptionContainer(p)
	if values, invalid, ok := decodeEntries[Exception](extra["values"]); ok {
		c.Values, c.invalid = values, invalid
		delete(extra, "values")
	}
	if len(extra) > 0 {
		c.Extra = extra
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c ExceptionContainer) MarshalJSON() ([]byte, error) {
	type plain ExceptionContainer
	if len(c.invalid) == 0 {
		return encodeObject(plain(c), c.Extra)
	}
	values, err := encodeEntries(c.Values, c.invalid)
	if err != nil {
		return nil, err
	}
	p := plain(c)
	p.Values = nil
	return encodeObject(p, c.Extra.with("values", values))
}

// ThreadContainer holds the threads captured alongside an event.
type ThreadContainer struct {
	Values []*Thread `json:"values"`
	Extra  Extra     `json:"-"`

	invalid map[int]jsoniter.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ThreadContainer) UnmarshalJSON(buf []byte) error {
	type plain ThreadContainer
	var p plain
	extra, err := decodeObject(buf, &p)
	if err != nil {
		return err
	}
	*c = ThreadContainer(p)
	if values, invalid, ok := decodeEntries[Thread](extra["values"]); ok {
		c.Values, c.invalid = values, invalid
		delete(extra, "values")
	}
	if len(extra) > 0 {
		c.Extra = extra
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c ThreadContainer) MarshalJSON() ([]byte, error) {
	type plain ThreadContainer
	if len(c.invalid) == 0 {
		return encodeObject(plain(c), c.Extra)
	}
	values, err := encodeEntries(c.Values, c.invalid)
	if err != nil {
		return nil, err
	}
	p := plain(c)
	p.Values = nil
	return encodeObject(p, c.Extra.with("values", values))
}

// Exception is a single exception in an exception chain.
type Exception struct {
	Type   string `json:"type,omitempty"`
	Value  string `json:"value,omitempty"`
	Module string `json:"module,omitempty"`

	Stacktrace    *Stacktrace `json:"stacktrace,omitempty"`
	RawStacktrace *Stacktrace `json:"raw_stacktrace,omitempty"`

	Extra Extra `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (exc *Exception) UnmarshalJSON(buf []byte) error {
	type plain Exception
	var p plain
	extra, err := decodeObject(buf, &p)
	if err != nil {
		return err
	}
	*exc = Exception(p)
	exc.Extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler.
func (exc Exception) MarshalJSON() ([]byte, error) {
	type plain Exception
	return encodeObject(plain(exc), exc.Extra)
}

// Thread is a thread of the crashed process.
type Thread struct {
	ID      int64  `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Crashed bool   `json:"crashed,omitempty"`
	Current bool   `json:"current,omitempty"`

	Stacktrace    *Stacktrace `json:"stacktrace,omitempty"`
	RawStacktrace *Stacktrace `json:"raw_stacktrace,omitempty"`

	Extra Extra `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Thread) UnmarshalJSON(buf []byte) error {
	type plain Thread
	var p plain
	extra, err := decodeObject(buf, &p)
	if err != nil {
		return err
	}
	*t = Thread(p)
	t.Extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Thread) MarshalJSON() ([]byte, error) {
	type plain Thread
	return encodeObject(plain(t), t.Extra)
}

// ProcessingError is a diagnostic record attached to an event when
// processing could not fully handle part of it.
type ProcessingError struct {
	Type  string                 `json:"type"`
	Name  string                 `json:"name,omitempty"`
	Value interface{}            `json:"value,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// EffectivePlatform returns the platform a frame belongs to: its own
// platform if set, otherwise the platform of the event.
func (e *Event) EffectivePlatform(f *Frame) string {
	if f != nil && f.Platform != "" {
		return f.Platform
	}
	return e.Platform
}

// AppendErrors adds errs to the event's error list.
func (e *Event) AppendErrors(errs ...ProcessingError) {
	e.Errors = append(e.Errors, errs...)
}

// Unmarshal decodes an event from its JSON representation. Only a payload
// that is not a JSON object is an error; malformed sections are kept as
// they are and skipped by processing.
func Unmarshal(buf []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(buf, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Marshal encodes an event as JSON.
func Marshal(ev *Event) ([]byte, error) {
	return json.Marshal(ev)
}
