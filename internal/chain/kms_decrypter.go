package chain

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/ethereum/go-ethereum/common"
)

// KMSDecrypter wraps the AWS KMS SDK to decrypt the key server's response
// blob using a key held in a cloud HSM rather than a local keystore file.
type KMSDecrypter struct {
	kms *kms.Client
}

// NewKMSDecrypter creates a KMSDecrypter. If localStackEndpoint is
// non-empty, the client targets that endpoint with static test credentials
// (local development); otherwise it uses the default AWS credential chain.
func NewKMSDecrypter(ctx context.Context, region, localStackEndpoint string) (*KMSDecrypter, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms decrypter: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}

	return &KMSDecrypter{kms: kms.NewFromConfig(cfg, kmsOpts...)}, nil
}

// Decrypt sends ciphertext to KMS and returns the plaintext.
func (k *KMSDecrypter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := k.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("kms decrypter: decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// KMSAccountProvider is an AccountProvider whose Decrypt is backed by a
// cloud HSM (KMSDecrypter) while Sign and UnlockTemporarily delegate to a
// second AccountProvider — typically a local keystore, since validator
// signing keys and the key-server decryption key are not necessarily
// managed by the same system.
type KMSAccountProvider struct {
	decrypter *KMSDecrypter
	signer    AccountProvider
}

// NewKMSAccountProvider composes decrypter and signer into one
// AccountProvider.
func NewKMSAccountProvider(decrypter *KMSDecrypter, signer AccountProvider) *KMSAccountProvider {
	return &KMSAccountProvider{decrypter: decrypter, signer: signer}
}

func (k *KMSAccountProvider) UnlockTemporarily(ctx context.Context, account common.Address, password string) error {
	return k.signer.UnlockTemporarily(ctx, account, password)
}

func (k *KMSAccountProvider) Sign(ctx context.Context, account common.Address, hash common.Hash) ([]byte, error) {
	return k.signer.Sign(ctx, account, hash)
}

func (k *KMSAccountProvider) Decrypt(ctx context.Context, _ common.Address, _ []byte, ciphertext []byte) ([]byte, error) {
	return k.decrypter.Decrypt(ctx, ciphertext)
}
