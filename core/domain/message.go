package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is the closed five-value classification set.
type Category string

const (
	CategoryInterested    Category = "Interested"
	CategoryMeetingBooked Category = "Meeting Booked"
	CategoryNotInterested Category = "Not Interested"
	CategorySpam          Category = "Spam"
	CategoryOutOfOffice   Category = "Out of Office"
)

// Categories lists all valid values, in prompt order.
var Categories = []Category{
	CategoryInterested,
	CategoryMeetingBooked,
	CategoryNotInterested,
	CategorySpam,
	CategoryOutOfOffice,
}

// ParseCategory validates an LLM-provided label. Matching is exact after
// trimming; unknown labels are rejected per id, never per batch.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.TrimSpace(s))
	for _, known := range Categories {
		if c == known {
			return known, true
		}
	}
	return "", false
}

// Address is a parsed mailbox address.
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// RecipientType distinguishes recipient rows.
type RecipientType string

const (
	RecipientTo  RecipientType = "to"
	RecipientCc  RecipientType = "cc"
	RecipientBcc RecipientType = "bcc"
)

// Message is the canonical normalized record both ingestor variants produce.
// Identity is the synthetic "{accountEmail}_{uid}" string; the row store
// additionally enforces uniqueness on (accountID, uid).
type Message struct {
	ID         string    `json:"id"`
	AccountID  uuid.UUID `json:"account_id"`
	Folder     string    `json:"folder"`
	Subject    string    `json:"subject"`
	From       Address   `json:"from"`
	To         []Address `json:"to"`
	Cc         []Address `json:"cc,omitempty"`
	Date       time.Time `json:"date"`
	Body       string    `json:"body"`
	TextBody   string    `json:"text_body,omitempty"`
	HTMLBody   string    `json:"html_body,omitempty"`
	Flags      []string  `json:"flags,omitempty"`
	Category   *Category `json:"category,omitempty"`
	UID        string    `json:"uid"`
	IngestedAt time.Time `json:"ingested_at"`
}

// MessageID builds the synthetic id. URL-safe because the account email is
// bounded and provider UIDs are alphanumeric.
func MessageID(accountEmail, uid string) string {
	return fmt.Sprintf("%s_%s", NormalizeEmail(accountEmail), uid)
}

// Normalize applies the shared normalization rules in place: folder
// lowercased for equality, empty subject replaced, body chosen as best of
// text, html, snippet.
func (m *Message) Normalize() {
	m.Folder = strings.ToLower(m.Folder)
	if strings.TrimSpace(m.Subject) == "" {
		m.Subject = "(No Subject)"
	}
	if m.Body == "" {
		if m.TextBody != "" {
			m.Body = m.TextBody
		} else if m.HTMLBody != "" {
			m.Body = m.HTMLBody
		}
	}
	if m.IngestedAt.IsZero() {
		m.IngestedAt = time.Now().UTC()
	}
}

// ParseAddress accepts `"Name" <addr>`, `Name <addr>` and bare addresses.
func ParseAddress(raw string) Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}
	}

	start := strings.LastIndex(raw, "<")
	end := strings.LastIndex(raw, ">")
	if start >= 0 && end > start {
		name := strings.TrimSpace(raw[:start])
		name = strings.Trim(name, `"`)
		return Address{
			Name:    name,
			Address: NormalizeEmail(raw[start+1 : end]),
		}
	}
	return Address{Address: NormalizeEmail(raw)}
}

// ParseAddressList splits a comma-separated header value into addresses.
// Commas inside quoted display names are honored.
func ParseAddressList(raw string) []Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var out []Address
	var cur strings.Builder
	inQuote := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, ParseAddress(s))
			}
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, ParseAddress(s))
	}
	return out
}

// FormatAddress renders an address back to "Name <addr>" form.
func (a Address) String() string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Address)
	}
	return a.Address
}
