package secrets_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Strob0t/Conclave/internal/domain/provider"
	"github.com/Strob0t/Conclave/internal/secrets"
)

func TestNewVault_InitialLoad(t *testing.T) {
	v, err := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"KEY_A": "val_a", "KEY_B": "val_b"}, nil
	})
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}

	if got := v.Get("KEY_A"); got != "val_a" {
		t.Fatalf("expected 'val_a', got %q", got)
	}
	if got := v.Get("MISSING"); got != "" {
		t.Fatalf("expected empty string for missing key, got %q", got)
	}
}

func TestNewVault_LoaderError(t *testing.T) {
	_, err := secrets.NewVault(func() (map[string]string, error) {
		return nil, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestVault_ReloadRotatesSource(t *testing.T) {
	callCount := 0
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		callCount++
		if callCount == 1 {
			return map[string]string{"openai": "old"}, nil
		}
		return map[string]string{"openai": "new"}, nil
	})

	src := v.Source("openai")
	if got := src(); got != "old" {
		t.Fatalf("expected 'old', got %q", got)
	}
	if err := v.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := src(); got != "new" {
		t.Fatalf("expected 'new' after reload, got %q", got)
	}
}

func TestVault_ReloadErrorPreservesValues(t *testing.T) {
	callCount := 0
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		callCount++
		if callCount == 1 {
			return map[string]string{"KEY": "original"}, nil
		}
		return nil, errors.New("vault unavailable")
	})

	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := v.Get("KEY"); got != "original" {
		t.Fatalf("expected 'original', got %q", got)
	}
}

func TestVault_ConcurrentAccess(t *testing.T) {
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"K": "V"}, nil
	})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = v.Get("K")
		}()
		go func() {
			defer wg.Done()
			_ = v.Reload()
		}()
	}
	wg.Wait()
}

func TestVault_Redaction(t *testing.T) {
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{
			"openai": "sk-abcdef123456",
			"short":  "ab",
		}, nil
	})

	tests := []struct {
		key, want string
	}{
		{"openai", "sk****"},
		{"short", "****"},
		{"missing", ""},
	}
	for _, tt := range tests {
		if got := v.Redacted(tt.key); got != tt.want {
			t.Errorf("Redacted(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}

	got := v.RedactString("401 from upstream: invalid key sk-abcdef123456")
	if strings.Contains(got, "sk-abcdef123456") || !strings.Contains(got, "sk****") {
		t.Errorf("RedactString = %q", got)
	}
	if keys := v.Keys(); len(keys) != 2 || keys[0] != "openai" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestEnvLoader(t *testing.T) {
	t.Setenv("CONCLAVE_TEST_SECRET", "mysecret")
	vals, err := secrets.EnvLoader("CONCLAVE_TEST_SECRET", "CONCLAVE_MISSING_SECRET")()
	if err != nil {
		t.Fatalf("EnvLoader failed: %v", err)
	}
	if vals["CONCLAVE_TEST_SECRET"] != "mysecret" {
		t.Errorf("expected 'mysecret', got %q", vals["CONCLAVE_TEST_SECRET"])
	}
	if _, ok := vals["CONCLAVE_MISSING_SECRET"]; ok {
		t.Error("missing env var should be omitted")
	}
}

func TestFileLoader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.yaml")
	if err := os.WriteFile(path, []byte("openai: sk-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	vals, err := secrets.FileLoader(path)()
	if err != nil {
		t.Fatalf("FileLoader: %v", err)
	}
	if vals["openai"] != "sk-file" {
		t.Errorf("openai = %q", vals["openai"])
	}

	vals, err = secrets.FileLoader(filepath.Join(dir, "absent.yaml"))()
	if err != nil || len(vals) != 0 {
		t.Errorf("missing file: vals=%v err=%v", vals, err)
	}
}

func TestProviderLoader_Precedence(t *testing.T) {
	cfgs := []provider.Config{
		{ID: "openai", APIKey: "inline-openai"},
		{ID: "anthropic-eu", APIKey: "inline-anthropic"},
		{ID: "local"},
	}
	file := func() (map[string]string, error) {
		return map[string]string{"openai": "file-openai", "anthropic-eu": "file-anthropic"}, nil
	}
	t.Setenv("CONCLAVE_PROVIDER_ANTHROPIC_EU_API_KEY", "env-anthropic")

	vals, err := secrets.ProviderLoader(cfgs, file)()
	if err != nil {
		t.Fatalf("ProviderLoader: %v", err)
	}
	if vals["openai"] != "file-openai" {
		t.Errorf("openai = %q, want file value", vals["openai"])
	}
	if vals["anthropic-eu"] != "env-anthropic" {
		t.Errorf("anthropic-eu = %q, want env value", vals["anthropic-eu"])
	}
	if _, ok := vals["local"]; ok {
		t.Error("provider without key should be omitted")
	}
}
