package secrets

import "context"

// Vault holds organization-scoped credentials, encrypted at rest and
// decrypted in memory only when an action asks for them.
type Vault interface {
	Put(ctx context.Context, organizationID, name string, value []byte) error
	Credential(ctx context.Context, organizationID, name string) (string, error)
	Delete(ctx context.Context, organizationID, name string) error
	List(ctx context.Context, organizationID string) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
