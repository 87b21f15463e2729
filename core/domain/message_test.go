package domain

import (
	"reflect"
	"testing"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in     string
		want   Category
		wantOK bool
	}{
		{"Interested", CategoryInterested, true},
		{"  Interested  ", CategoryInterested, true},
		{"Meeting Booked", CategoryMeetingBooked, true},
		{"Not Interested", CategoryNotInterested, true},
		{"Spam", CategorySpam, true},
		{"Out of Office", CategoryOutOfOffice, true},
		{"interested", "", false},
		{"INTERESTED", "", false},
		{"Maybe", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseCategory(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseCategory(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMessageID(t *testing.T) {
	tests := []struct {
		email, uid, want string
	}{
		{"user@example.com", "42", "user@example.com_42"},
		{"User@Example.COM", "42", "user@example.com_42"},
		{" padded@example.com ", "abc123", "padded@example.com_abc123"},
	}
	for _, tt := range tests {
		if got := MessageID(tt.email, tt.uid); got != tt.want {
			t.Errorf("MessageID(%q, %q) = %q, want %q", tt.email, tt.uid, got, tt.want)
		}
	}
}

func TestMessage_Normalize(t *testing.T) {
	t.Run("folder lowercased and subject defaulted", func(t *testing.T) {
		m := &Message{Folder: "INBOX", Subject: "   "}
		m.Normalize()
		if m.Folder != "inbox" {
			t.Errorf("Folder = %q, want %q", m.Folder, "inbox")
		}
		if m.Subject != "(No Subject)" {
			t.Errorf("Subject = %q, want %q", m.Subject, "(No Subject)")
		}
		if m.IngestedAt.IsZero() {
			t.Error("IngestedAt not defaulted")
		}
	})

	t.Run("body prefers text over html", func(t *testing.T) {
		m := &Message{TextBody: "text", HTMLBody: "<p>html</p>"}
		m.Normalize()
		if m.Body != "text" {
			t.Errorf("Body = %q, want %q", m.Body, "text")
		}
	})

	t.Run("body falls back to html", func(t *testing.T) {
		m := &Message{HTMLBody: "<p>html</p>"}
		m.Normalize()
		if m.Body != "<p>html</p>" {
			t.Errorf("Body = %q, want html body", m.Body)
		}
	})

	t.Run("existing body kept", func(t *testing.T) {
		m := &Message{Body: "snippet", TextBody: "text"}
		m.Normalize()
		if m.Body != "snippet" {
			t.Errorf("Body = %q, want %q", m.Body, "snippet")
		}
	})
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want Address
	}{
		{"alice@example.com", Address{Address: "alice@example.com"}},
		{"Alice <alice@example.com>", Address{Name: "Alice", Address: "alice@example.com"}},
		{`"Alice A." <alice@example.com>`, Address{Name: "Alice A.", Address: "alice@example.com"}},
		{"<alice@example.com>", Address{Address: "alice@example.com"}},
		{"Bob <BOB@Example.Com>", Address{Name: "Bob", Address: "bob@example.com"}},
		{"", Address{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseAddress(tt.in); got != tt.want {
				t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseAddressList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []Address
	}{
		{
			"two plain",
			"a@example.com, b@example.com",
			[]Address{{Address: "a@example.com"}, {Address: "b@example.com"}},
		},
		{
			"comma inside quoted name",
			`"Doe, Jane" <jane@example.com>, bob@example.com`,
			[]Address{{Name: "Doe, Jane", Address: "jane@example.com"}, {Address: "bob@example.com"}},
		},
		{"empty", "   ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseAddressList(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseAddressList(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestAddress_String(t *testing.T) {
	if got := (Address{Name: "Alice", Address: "a@example.com"}).String(); got != "Alice <a@example.com>" {
		t.Errorf("String() = %q", got)
	}
	if got := (Address{Address: "a@example.com"}).String(); got != "a@example.com" {
		t.Errorf("String() = %q", got)
	}
}
