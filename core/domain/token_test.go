package domain

import (
	"errors"
	"testing"
	"time"
)

func TestOAuthTokens_ExpiresWithin(t *testing.T) {
	tests := []struct {
		name   string
		expiry time.Time
		window time.Duration
		want   bool
	}{
		{"expires in an hour", time.Now().Add(time.Hour), 5 * time.Minute, false},
		{"expires in a minute", time.Now().Add(time.Minute), 5 * time.Minute, true},
		{"already expired", time.Now().Add(-time.Minute), 5 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := &OAuthTokens{TokenExpiry: tt.expiry}
			if got := tok.ExpiresWithin(tt.window); got != tt.want {
				t.Errorf("ExpiresWithin(%v) = %v, want %v", tt.window, got, tt.want)
			}
		})
	}
}

func TestOAuthTokens_HasScope(t *testing.T) {
	tok := &OAuthTokens{Scope: []string{"a", "b"}}
	if !tok.HasScope("a") || !tok.HasScope("b") {
		t.Error("granted scope not found")
	}
	if tok.HasScope("c") {
		t.Error("ungranted scope found")
	}
}

func TestMailAccount_Validate(t *testing.T) {
	tests := []struct {
		name    string
		account MailAccount
		wantErr error
	}{
		{
			"oauth needs no imap config",
			MailAccount{AuthType: AuthTypeOAuth},
			nil,
		},
		{
			"imap with config",
			MailAccount{AuthType: AuthTypeIMAP, IMAPConfig: &IMAPConfig{Host: "imap.example.com", Port: 993}},
			nil,
		},
		{
			"imap without config",
			MailAccount{AuthType: AuthTypeIMAP},
			ErrIMAPConfigRequired,
		},
		{
			"imap with empty host",
			MailAccount{AuthType: AuthTypeIMAP, IMAPConfig: &IMAPConfig{}},
			ErrIMAPConfigRequired,
		},
		{
			"unknown auth type",
			MailAccount{AuthType: "pop3"},
			ErrUnknownAuthType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.account.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
