package crypto

import (
	"strings"
	"testing"
)

func TestHashAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
	}{
		{"simple key", "tok_1"},
		{"uuid key", "sk-550e8400-e29b-41d4-a716-446655440000"},
		{"empty key", ""},
		{"special chars", "key!@#$%^&*()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash1 := HashAPIKey(tt.apiKey)
			hash2 := HashAPIKey(tt.apiKey)

			if hash1 != hash2 {
				t.Errorf("HashAPIKey not deterministic: got %s and %s", hash1, hash2)
			}
			if len(hash1) != 64 {
				t.Errorf("HashAPIKey length = %d, want 64", len(hash1))
			}
			for _, c := range hash1 {
				if !strings.ContainsRune("0123456789abcdef", c) {
					t.Errorf("HashAPIKey contains non-hex char: %c", c)
				}
			}
		})
	}
}

func TestNewEncryptor_EmptySecret(t *testing.T) {
	if _, err := NewEncryptor(""); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestSealOpen(t *testing.T) {
	enc, err := NewEncryptor("local-secret")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	tests := []string{"sk-abc123", "", "AKIA:secret/with+chars", "secret://openai-prod"}
	for _, plain := range tests {
		sealed, err := enc.Seal(plain)
		if err != nil {
			t.Fatalf("Seal(%q): %v", plain, err)
		}
		if !IsSealed(sealed) {
			t.Errorf("Seal(%q) = %q, missing prefix", plain, sealed)
		}
		if plain != "" && strings.Contains(sealed, plain) {
			t.Errorf("sealed value leaks plaintext: %q", sealed)
		}

		again, _ := enc.Seal(sealed)
		if again != sealed {
			t.Error("sealing twice must be a no-op")
		}

		got, err := enc.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got != plain {
			t.Errorf("Open = %q, want %q", got, plain)
		}
	}
}

func TestSeal_NonDeterministic(t *testing.T) {
	enc, _ := NewEncryptor("local-secret")
	a, _ := enc.Seal("sk-1")
	b, _ := enc.Seal("sk-1")
	if a == b {
		t.Error("expected fresh nonce per seal")
	}
}

func TestOpen_Plaintext(t *testing.T) {
	enc, _ := NewEncryptor("local-secret")
	got, err := enc.Open("sk-legacy")
	if err != nil || got != "sk-legacy" {
		t.Errorf("Open plaintext = %q, %v", got, err)
	}
}

func TestOpen_WrongKey(t *testing.T) {
	a, _ := NewEncryptor("key-a")
	b, _ := NewEncryptor("key-b")

	sealed, _ := a.Seal("sk-1")
	if _, err := b.Open(sealed); err != ErrInvalidCiphertext {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
	if _, err := a.Open(SealedPrefix + "!!not-base64"); err != ErrInvalidCiphertext {
		t.Errorf("expected ErrInvalidCiphertext for garbage, got %v", err)
	}
}
