package config

import (
	"strings"
	"testing"
)

const validKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ROW_STORE_URL", "postgres://localhost/mailbridge")
	t.Setenv("ENCRYPTION_KEY", validKey)
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.QueueMaxRetries != 3 {
		t.Errorf("QueueMaxRetries = %d", cfg.QueueMaxRetries)
	}
	if cfg.CategorizerBatchSize != 10 {
		t.Errorf("CategorizerBatchSize = %d", cfg.CategorizerBatchSize)
	}
	if cfg.InitialSyncDaysBack != 30 {
		t.Errorf("InitialSyncDaysBack = %d", cfg.InitialSyncDaysBack)
	}
	if cfg.GmailConcurrency != 10 || cfg.IngestBatchSize != 50 {
		t.Errorf("ingestion defaults = %d/%d", cfg.GmailConcurrency, cfg.IngestBatchSize)
	}
	if cfg.WorkerID == "" {
		t.Error("WorkerID not generated")
	}
}

func TestLoad_MissingRowStore(t *testing.T) {
	t.Setenv("ROW_STORE_URL", "")
	t.Setenv("ENCRYPTION_KEY", validKey)

	if _, err := Load(); err == nil {
		t.Error("Load() accepted a missing ROW_STORE_URL")
	}
}

func TestLoad_EncryptionKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", validKey, false},
		{"short", validKey[:10], true},
		{"not hex", strings.Repeat("z", 64), true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ROW_STORE_URL", "postgres://localhost/mailbridge")
			t.Setenv("ENCRYPTION_KEY", tt.key)
			_, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
