package llm

import "testing"

type payload struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func TestDecodeLoose_RawJSON(t *testing.T) {
	var p payload
	if err := DecodeLoose(`{"name": "a", "score": 1}`, &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "a" || p.Score != 1 {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestDecodeLoose_LabeledFence(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"name\": \"b\", \"score\": 2}\n```\nDone."
	var p payload
	if err := DecodeLoose(raw, &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "b" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestDecodeLoose_UnlabeledFence(t *testing.T) {
	raw := "```\n{\"name\": \"c\", \"score\": 3}\n```"
	var p payload
	if err := DecodeLoose(raw, &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "c" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestDecodeLoose_EmbeddedInProse(t *testing.T) {
	raw := `Sure! The analysis produced {"name": "d", "score": 4} which should be useful.`
	var p payload
	if err := DecodeLoose(raw, &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "d" || p.Score != 4 {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestDecodeLoose_ArrayInProse(t *testing.T) {
	raw := "The gaps are: [{\"name\": \"e\", \"score\": 5}] as requested."
	var ps []payload
	if err := DecodeLoose(raw, &ps); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ps) != 1 || ps[0].Name != "e" {
		t.Fatalf("unexpected payload: %+v", ps)
	}
}

func TestDecodeLoose_NoJSON(t *testing.T) {
	var p payload
	if err := DecodeLoose("no structured data here", &p); err == nil {
		t.Fatalf("expected error for prose without JSON")
	}
}

func TestJoinedString_CoercesList(t *testing.T) {
	var j JoinedString
	if err := j.UnmarshalJSON([]byte(`["use surveys", "run trials"]`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(j) != "use surveys; run trials" {
		t.Fatalf("unexpected join: %q", j)
	}
}

func TestJoinedString_KeepsString(t *testing.T) {
	var j JoinedString
	if err := j.UnmarshalJSON([]byte(`"plain"`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(j) != "plain" {
		t.Fatalf("unexpected value: %q", j)
	}
}

func TestStringList_WrapsScalar(t *testing.T) {
	var l StringList
	if err := l.UnmarshalJSON([]byte(`"only question"`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(l) != 1 || l[0] != "only question" {
		t.Fatalf("unexpected list: %v", l)
	}
}

func TestStringList_KeepsList(t *testing.T) {
	var l StringList
	if err := l.UnmarshalJSON([]byte(`["q1", "q2"]`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(l) != 2 || l[1] != "q2" {
		t.Fatalf("unexpected list: %v", l)
	}
}
