package types

import (
	"encoding/json"
	"testing"
)

func TestSession_PreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"id":"s1","userId":"u1","title":"Morning","messages":[{"role":"user","text":"hi"}],"pinned":true}`)

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.ID != "s1" || s.UserID != "u1" {
		t.Fatalf("id=%q userId=%q", s.ID, s.UserID)
	}
	if len(s.Payload) != 3 {
		t.Fatalf("payload fields=%d, want 3", len(s.Payload))
	}

	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got, want map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	_ = json.Unmarshal(raw, &want)
	gotMsgs, _ := json.Marshal(got["messages"])
	wantMsgs, _ := json.Marshal(want["messages"])
	if string(gotMsgs) != string(wantMsgs) {
		t.Fatalf("messages=%s, want %s", gotMsgs, wantMsgs)
	}
	if got["pinned"] != true || got["title"] != "Morning" {
		t.Fatalf("output=%s", out)
	}
}

func TestSession_NumericIDsRoundTrip(t *testing.T) {
	raw := []byte(`{"id":1739000000000,"userId":42,"title":"t"}`)

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.ID != "1739000000000" || s.UserID != "42" {
		t.Fatalf("id=%q userId=%q", s.ID, s.UserID)
	}
	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"id":1739000000000,"userId":42,"title":"t"}` {
		t.Fatalf("out=%s", out)
	}
}

func TestSession_KeyTypes(t *testing.T) {
	cases := []struct {
		in      string
		wantID  string
		wantErr bool
	}{
		{in: `{"id":"s1"}`, wantID: "s1"},
		{in: `{"id":12.5}`, wantID: "12.5"},
		{in: `{"id":null}`, wantID: ""},
		{in: `{"id":true}`, wantErr: true},
		{in: `{"id":{"x":1}}`, wantErr: true},
	}
	for _, tc := range cases {
		var s Session
		err := json.Unmarshal([]byte(tc.in), &s)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil || s.ID != tc.wantID {
			t.Errorf("%s: id=%q err=%v, want %q", tc.in, s.ID, err, tc.wantID)
		}
	}
}

func TestSession_RejectsNonObject(t *testing.T) {
	var s Session
	if err := json.Unmarshal([]byte(`[1,2]`), &s); err == nil {
		t.Fatalf("expected error for array input")
	}
}

func TestSession_MarshalWithoutPayload(t *testing.T) {
	out, err := json.Marshal(Session{ID: "s1", UserID: "u1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"id":"s1","userId":"u1"}` {
		t.Fatalf("out=%s", out)
	}
}

func TestIdentity_PublicDropsPassword(t *testing.T) {
	id := Identity{ID: "1", Phone: "0912", Password: "secret", Name: "Ali"}
	pub := id.Public()
	if pub.Password != "" {
		t.Fatalf("password leaked: %q", pub.Password)
	}
	if id.Password != "secret" {
		t.Fatalf("Public mutated receiver")
	}
	out, _ := json.Marshal(pub)
	var m map[string]any
	_ = json.Unmarshal(out, &m)
	if _, ok := m["password"]; ok {
		t.Fatalf("password key present in %s", out)
	}
}

func TestTask_Pending(t *testing.T) {
	cases := map[string]bool{
		"pending":     true,
		"in_progress": true,
		"":            true,
		"completed":   false,
		" Done ":      false,
	}
	for status, want := range cases {
		if got := (Task{Status: status}).Pending(); got != want {
			t.Errorf("Task{Status:%q}.Pending()=%v, want %v", status, got, want)
		}
	}
}
