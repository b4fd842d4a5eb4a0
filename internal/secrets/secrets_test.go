package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

func TestInMemorySecretStore_SetGetDelete(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("openai-prod", "sk-test-123")

	value, err := store.GetSecret(ctx, "openai-prod")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "sk-test-123" {
		t.Errorf("GetSecret() = %v, want sk-test-123", value)
	}

	store.DeleteSecret("openai-prod")
	if _, err := store.GetSecret(ctx, "openai-prod"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound after delete, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("openai-prod", "sk-plain")
	store.SetSecret("bundle", `{"anthropic":{"key":"sk-ant"}}`)

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{"literal key passes through", "sk-literal", "sk-literal", false},
		{"whole secret", "secret://openai-prod", "sk-plain", false},
		{"json field", "secret://bundle#anthropic.key", "sk-ant", false},
		{"missing field", "secret://bundle#openai.key", "", true},
		{"missing secret", "secret://nope", "", true},
		{"empty name", "secret://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(context.Background(), store, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolve_NoStore(t *testing.T) {
	if _, err := Resolve(context.Background(), nil, "secret://x"); err == nil {
		t.Error("expected error without a store")
	}
	if v, err := Resolve(context.Background(), nil, "sk-1"); err != nil || v != "sk-1" {
		t.Errorf("literal without store = %q, %v", v, err)
	}
}

type mockSecretsManager struct {
	GetSecretValueFunc func(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	calls              int
}

func (m *mockSecretsManager) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	return m.GetSecretValueFunc(ctx, in, optFns...)
}

func TestAWSSecretsManager_Caches(t *testing.T) {
	mock := &mockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("sk-" + aws.ToString(in.SecretId))}, nil
		},
	}
	now := time.Unix(1000, 0)
	s := newAWSSecretsManager(mock)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := s.GetSecret(ctx, "prod")
		if err != nil || v != "sk-prod" {
			t.Fatalf("GetSecret = %q, %v", v, err)
		}
	}
	if mock.calls != 1 {
		t.Errorf("expected 1 AWS call, got %d", mock.calls)
	}

	now = now.Add(6 * time.Minute)
	s.GetSecret(ctx, "prod")
	if mock.calls != 2 {
		t.Errorf("expected refetch after TTL, got %d calls", mock.calls)
	}
}

func TestAWSSecretsManager_Error(t *testing.T) {
	mock := &mockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			return nil, errors.New("access denied")
		},
	}
	s := newAWSSecretsManager(mock)
	if _, err := s.GetSecret(context.Background(), "prod"); err == nil {
		t.Error("expected error")
	}
}
