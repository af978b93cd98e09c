package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Session is a stored conversation owned by an identity. Only the id and the
// owner are interpreted; every other field is carried through verbatim.
//
// Clients mint ids themselves, often as numbers (a millisecond timestamp). A
// numeric id or owner is kept as its decimal text and written back as a number.
type Session struct {
	ID     string
	UserID string

	// Payload holds the remaining top-level JSON fields, keyed by name.
	Payload map[string]json.RawMessage

	idNumeric     bool
	userIDNumeric bool
}

const (
	sessionIDField     = "id"
	sessionUserIDField = "userId"
)

func (s *Session) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("session must be a json object")
	}

	var out Session
	if raw, ok := fields[sessionIDField]; ok {
		id, numeric, err := decodeKey(raw)
		if err != nil {
			return fmt.Errorf("session.id: %w", err)
		}
		out.ID, out.idNumeric = id, numeric
		delete(fields, sessionIDField)
	}
	if raw, ok := fields[sessionUserIDField]; ok {
		userID, numeric, err := decodeKey(raw)
		if err != nil {
			return fmt.Errorf("session.userId: %w", err)
		}
		out.UserID, out.userIDNumeric = userID, numeric
		delete(fields, sessionUserIDField)
	}
	if len(fields) > 0 {
		out.Payload = make(map[string]json.RawMessage, len(fields))
		for k, v := range fields {
			out.Payload[k] = copiedRaw(v)
		}
	}
	*s = out
	return nil
}

func (s Session) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(s.Payload))
	for k := range s.Payload {
		if k == sessionIDField || k == sessionUserIDField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField := func(key string, value []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(value)
	}

	id, err := encodeKey(s.ID, s.idNumeric)
	if err != nil {
		return nil, err
	}
	writeField(sessionIDField, id)
	userID, err := encodeKey(s.UserID, s.userIDNumeric)
	if err != nil {
		return nil, err
	}
	writeField(sessionUserIDField, userID)

	for _, k := range keys {
		v := s.Payload[k]
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("session payload field %q is not valid json", k)
		}
		writeField(k, v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeKey accepts a JSON string, number or null.
func decodeKey(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return "", false, nil
	case raw[0] == '"':
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", false, err
		}
		return v, false, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false, fmt.Errorf("must be a string or a number")
	}
	return n.String(), true, nil
}

func encodeKey(v string, numeric bool) ([]byte, error) {
	if numeric {
		var n json.Number
		if json.Unmarshal([]byte(v), &n) == nil {
			return []byte(v), nil
		}
	}
	return json.Marshal(v)
}
