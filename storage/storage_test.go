package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tsawler/go-finetune/storage"
)

const azuriteConnString = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;"

func logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFinalizeDefaults(t *testing.T) {
	cfg := storage.Config{Provider: storage.ProviderAzure, ConnectionString: "conn"}
	if err := cfg.Finalize(nil); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if cfg.ContainerName != "checkpoints" {
		t.Errorf("container_name: got %s, want checkpoints", cfg.ContainerName)
	}

	none := storage.Config{}
	if err := none.Finalize(nil); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if none.Enabled() {
		t.Error("empty provider should be disabled")
	}
}

func TestFinalizeEnvOverrides(t *testing.T) {
	t.Setenv("TEST_PROVIDER", "filesystem")
	t.Setenv("TEST_ROOT", "/tmp/mirror")

	env := &storage.Env{Provider: "TEST_PROVIDER", Root: "TEST_ROOT"}
	cfg := storage.Config{}
	if err := cfg.Finalize(env); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if cfg.Provider != storage.ProviderFilesystem || cfg.Root != "/tmp/mirror" {
		t.Errorf("got provider %q root %q", cfg.Provider, cfg.Root)
	}
}

func TestFinalizeValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     storage.Config
		wantErr string
	}{
		{"filesystem without root", storage.Config{Provider: storage.ProviderFilesystem}, "storage root required"},
		{"azure without connection", storage.Config{Provider: storage.ProviderAzure}, "connection_string required"},
		{"unknown provider", storage.Config{Provider: "s3"}, "unknown storage provider"},
		{"filesystem", storage.Config{Provider: storage.ProviderFilesystem, Root: "x"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Finalize(nil)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNewAzureClient(t *testing.T) {
	sys, err := storage.New(&storage.Config{
		Provider:         storage.ProviderAzure,
		ContainerName:    "checkpoints",
		ConnectionString: azuriteConnString,
	}, logger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if sys == nil {
		t.Fatal("New() returned nil system")
	}

	_, err = storage.New(&storage.Config{
		Provider:         storage.ProviderAzure,
		ConnectionString: "not-a-connection-string",
	}, logger())
	if err == nil {
		t.Fatal("expected error for invalid connection string")
	}
}

func TestFilesystemRoundTrip(t *testing.T) {
	ctx := context.Background()
	sys, err := storage.New(&storage.Config{Provider: storage.ProviderFilesystem, Root: t.TempDir()}, logger())
	if err != nil {
		t.Fatal(err)
	}
	if err := sys.Start(ctx); err != nil {
		t.Fatal(err)
	}

	key := "run/3/weights.bin"
	if ok, err := sys.Exists(ctx, key); err != nil || ok {
		t.Fatalf("Exists before upload = %v, %v", ok, err)
	}
	if err := sys.Upload(ctx, key, bytes.NewReader([]byte("shard")), "application/octet-stream"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ok, err := sys.Exists(ctx, key); err != nil || !ok {
		t.Fatalf("Exists after upload = %v, %v", ok, err)
	}

	r, err := sys.Download(ctx, key)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil || string(data) != "shard" {
		t.Errorf("downloaded %q, %v", data, err)
	}

	if err := sys.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := sys.Delete(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
	if _, err := sys.Download(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Download missing = %v, want ErrNotFound", err)
	}
}

func TestFilesystemRejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	sys, err := storage.New(&storage.Config{Provider: storage.ProviderFilesystem, Root: t.TempDir()}, logger())
	if err != nil {
		t.Fatal(err)
	}

	if err := sys.Upload(ctx, "", strings.NewReader("x"), ""); !errors.Is(err, storage.ErrEmptyKey) {
		t.Errorf("empty key: %v", err)
	}
	if err := sys.Upload(ctx, "../escape", strings.NewReader("x"), ""); !errors.Is(err, storage.ErrInvalidKey) {
		t.Errorf("traversal key: %v", err)
	}
}
