package xmpp

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		local    string
		domain   string
		resource string
	}{
		{"alice@example.com", "alice", "example.com", ""},
		{"Alice@Example.COM", "alice", "example.com", ""},
		{"alice@example.com/laptop", "alice", "example.com", "laptop"},
		{"alice@example.com/Laptop", "alice", "example.com", "Laptop"},
		{"conference.example.com", "", "conference.example.com", ""},
		{"lobby@conference.example.com/Alice", "lobby", "conference.example.com", "Alice"},
		{"  alice@example.com  ", "alice", "example.com", ""},
	}
	for _, tt := range tests {
		j, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if j.Local != tt.local || j.Domain != tt.domain || j.Resource != tt.resource {
			t.Fatalf("Parse(%q) = %#v", tt.in, j)
		}
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "@example.com", "alice@", "alice@example.com/", "/"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) should fail", in)
		}
	}
}

func TestBareAndString(t *testing.T) {
	j, err := Parse("lobby@conference.example.com/Alice")
	if err != nil {
		t.Fatal(err)
	}
	if got := j.String(); got != "lobby@conference.example.com/Alice" {
		t.Fatalf("String() = %q", got)
	}
	if got := j.BareString(); got != "lobby@conference.example.com" {
		t.Fatalf("BareString() = %q", got)
	}
	if !j.IsFull() || j.IsBare() {
		t.Fatal("expected full jid")
	}
	if !j.Bare().IsBare() {
		t.Fatal("expected bare jid after Bare()")
	}
}

func TestEqualBare(t *testing.T) {
	a, _ := Parse("alice@example.com/laptop")
	b, _ := Parse("Alice@example.com/phone")
	if !a.EqualBare(b) {
		t.Fatal("same bare jids should compare equal")
	}
	if a.Equal(b) {
		t.Fatal("different resources should not compare equal")
	}
}
