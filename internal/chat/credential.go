package chat

import "context"

// CredentialProvider supplies the bearer credential used for the channel
// handshake and REST calls. It is an external collaborator: issuance and
// refresh happen elsewhere. A provider signals expiry by returning
// ErrCredentialExpired, which is fatal to the session.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// StaticCredential is a fixed-token provider for tooling and tests.
type StaticCredential string

// Credential returns the fixed token, or ErrCredentialExpired when empty.
func (s StaticCredential) Credential(_ context.Context) (string, error) {
	if s == "" {
		return "", ErrCredentialExpired
	}
	return string(s), nil
}
