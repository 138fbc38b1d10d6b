package chat

import (
	"strings"
	"testing"
)

func TestProvisionalID(t *testing.T) {
	id := NewProvisionalID()
	if !IsProvisionalID(id) {
		t.Fatalf("expected %q to be provisional", id)
	}
	if IsProvisionalID("42") {
		t.Error("server id must not be provisional")
	}
	if id == NewProvisionalID() {
		t.Error("expected unique provisional ids")
	}
}

func TestOwn_DerivedFromSender(t *testing.T) {
	cases := []struct {
		name   string
		sender string
		local  string
		want   bool
	}{
		{"own", "u1", "u1", true},
		{"peer", "u2", "u1", false},
		{"spoofed flag ignored", "u2", "u1", false},
		{"no local user", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Message{SenderID: tc.sender, IsOwn: !tc.want}
			if got := m.Own(tc.local).IsOwn; got != tc.want {
				t.Errorf("IsOwn = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClone_DoesNotShareAttachments(t *testing.T) {
	m := Message{Attachments: []string{"a"}}
	c := m.Clone()
	c.Attachments[0] = "b"
	if m.Attachments[0] != "a" {
		t.Error("clone shares backing array")
	}
	if got := (Message{}).Clone().Attachments; got == nil {
		t.Error("expected empty, non-nil attachments")
	}
}

func TestAttachmentName(t *testing.T) {
	cases := map[string]string{
		"https://cdn.example.com/files/report%20final.pdf": "report final.pdf",
		"https://cdn.example.com/files/photo.png?sig=abc":  "photo.png",
		"https://cdn.example.com/":                         "File",
		"":                                                 "File",
		"plain-name.txt":                                   "plain-name.txt",
	}
	for in, want := range cases {
		if got := AttachmentName(in); got != want {
			t.Errorf("AttachmentName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncateName(t *testing.T) {
	if got := TruncateName("short.txt", 20); got != "short.txt" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("x", 30) + ".txt"
	got := TruncateName(long, 20)
	if len([]rune(got)) != 20 || !strings.HasSuffix(got, "...") {
		t.Errorf("TruncateName = %q", got)
	}
	if got := TruncateName(long, 0); len([]rune(got)) != DefaultNameLength {
		t.Errorf("default width not applied: %q", got)
	}
}
