package keybroker

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// DummyEncryptor is an identity Encryptor: it returns plaintext unchanged.
// It exists so the rest of the pipeline (and its tests) can run without a
// key server or account provider wired up at all.
type DummyEncryptor struct{}

func (DummyEncryptor) Encrypt(_ context.Context, _, _ common.Address, _ [16]byte, plainData []byte) ([]byte, error) {
	return append([]byte(nil), plainData...), nil
}

func (DummyEncryptor) Decrypt(_ context.Context, _, _ common.Address, cipherData []byte) ([]byte, error) {
	return append([]byte(nil), cipherData...), nil
}
