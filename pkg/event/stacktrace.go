package event

// Stacktrace is an ordered list of frames, innermost frame last.
type Stacktrace struct {
	Frames        []Frame           `json:"frames"`
	FramesOmitted []int             `json:"frames_omitted,omitempty"`
	Registers     map[string]string `json:"registers,omitempty"`
	Lang          string            `json:"lang,omitempty"`

	Extra Extra `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler. If any frame is not an
// object, the frames are kept in Extra and the stack trace has none.
func (st *Stacktrace) UnmarshalJSON(buf []byte) error {
	type plain Stacktrace
	var p plain
	extra, err := decodeObject(buf, &p)
	if err != nil {
		return err
	}
	*st = Stacktrace(p)
	st.Extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler.
func (st Stacktrace) MarshalJSON() ([]byte, error) {
	type plain Stacktrace
	return encodeObject(plain(st), st.Extra)
}

// WithFrames returns a copy of st with its frames replaced by frames. All
// other stack trace fields are kept.
func (st *Stacktrace) WithFrames(frames []Frame) *Stacktrace {
	cp := *st
	cp.Frames = frames
	return &cp
}

// Frame is a single entry of a stack trace.
type Frame struct {
	Function        string `json:"function,omitempty"`
	RawFunction     string `json:"raw_function,omitempty"`
	Module          string `json:"module,omitempty"`
	Package         string `json:"package,omitempty"`
	Filename        string `json:"filename,omitempty"`
	AbsPath         string `json:"abs_path,omitempty"`
	Lineno          int    `json:"lineno,omitempty"`
	Colno           int    `json:"colno,omitempty"`
	InApp           *bool  `json:"in_app,omitempty"`
	Platform        string `json:"platform,omitempty"`
	InstructionAddr string `json:"instruction_addr,omitempty"`
	SymbolAddr      string `json:"symbol_addr,omitempty"`

	ContextLine string   `json:"context_line,omitempty"`
	PreContext  []string `json:"pre_context,omitempty"`
	PostContext []string `json:"post_context,omitempty"`

	// Data holds processor specific fields.
	Data map[string]interface{} `json:"data,omitempty"`

	// Extra keeps the fields of the frame that have no typed field, like
	// vars or image_addr, and typed fields that had an unexpected type.
	Extra Extra `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Frame) UnmarshalJSON(buf []byte) error {
	type plain Frame
	var p plain
	extra, err := decodeObject(buf, &p)
	if err != nil {
		return err
	}
	*f = Frame(p)
	f.Extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f Frame) MarshalJSON() ([]byte, error) {
	type plain Frame
	return encodeObject(plain(f), f.Extra)
}

// Clone returns a deep copy of f, so processors can rewrite a frame without
// touching the original.
func (f Frame) Clone() Frame {
	if f.InApp != nil {
		v := *f.InApp
		f.InApp = &v
	}
	f.PreContext = append([]string(nil), f.PreContext...)
	f.PostContext = append([]string(nil), f.PostContext...)
	if f.Data != nil {
		data := make(map[string]interface{}, len(f.Data))
		for k, v := range f.Data {
			data[k] = v
		}
		f.Data = data
	}
	f.Extra = f.Extra.clone()
	return f
}

// SetData sets a processor specific field on the frame.
func (f *Frame) SetData(key string, value interface{}) {
	if f.Data == nil {
		f.Data = make(map[string]interface{})
	}
	f.Data[key] = value
}

// Bool returns a pointer to b, for use with Frame.InApp.
func Bool(b bool) *bool { return &b }
