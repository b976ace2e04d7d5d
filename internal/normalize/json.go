package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// object is a JSON object whose members are left undecoded until a rule
// asks for them, so opaque members survive byte-for-byte.
type object map[string]json.RawMessage

func present(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

func asObject(raw json.RawMessage) (object, bool) {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || t[0] != '{' {
		return nil, false
	}
	var o object
	if err := json.Unmarshal(t, &o); err != nil {
		return nil, false
	}
	return o, true
}

func asArray(raw json.RawMessage) ([]json.RawMessage, bool) {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || t[0] != '[' {
		return nil, false
	}
	var a []json.RawMessage
	if err := json.Unmarshal(t, &a); err != nil {
		return nil, false
	}
	return a, true
}

// get walks nested objects; ok is false when any hop is missing or null.
func (o object) get(path ...string) (json.RawMessage, bool) {
	cur := o
	for i, key := range path {
		raw, ok := cur[key]
		if !ok || !present(raw) {
			return nil, false
		}
		if i == len(path)-1 {
			return raw, true
		}
		next, ok := asObject(raw)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

func (o object) object(path ...string) (object, bool) {
	raw, ok := o.get(path...)
	if !ok {
		return nil, false
	}
	return asObject(raw)
}

func (o object) array(path ...string) ([]json.RawMessage, bool) {
	raw, ok := o.get(path...)
	if !ok {
		return nil, false
	}
	return asArray(raw)
}

// str returns the first non-empty scalar among keys, rendered as text.
func (o object) str(keys ...string) string {
	for _, k := range keys {
		raw, ok := o.get(k)
		if !ok {
			continue
		}
		if s, ok := scalarText(raw); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func (o object) boolPtr(key string) *bool {
	raw, ok := o.get(key)
	if !ok {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	return &b
}

func (o object) raw(key string) json.RawMessage {
	raw, ok := o.get(key)
	if !ok {
		return nil
	}
	return append(json.RawMessage(nil), bytes.TrimSpace(raw)...)
}

func scalarText(raw json.RawMessage) (string, bool) {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 {
		return "", false
	}
	switch t[0] {
	case '"':
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return "", false
		}
		return s, true
	case '{', '[', 'n':
		return "", false
	case 't', 'f':
		return string(t), true
	}
	var n json.Number
	if err := json.Unmarshal(t, &n); err != nil {
		return "", false
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return strconv.FormatInt(i, 10), true
	}
	return n.String(), true
}

// orderedValues returns the member values of a JSON object in document
// order; map iteration would lose the page order of keyed records.
func orderedValues(raw json.RawMessage) ([]json.RawMessage, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, false
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, false
	}
	var out []json.RawMessage
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, false
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}
