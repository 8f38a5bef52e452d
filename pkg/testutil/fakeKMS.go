package testutil

import (
	"context"
	"sync"

	"github.com/Layr-Labs/kms-signer-go/pkg/custody/localCustody"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// FakeKMS answers the AWS KMS GetPublicKey and Sign calls from a local key
// store and records the last Sign input.
type FakeKMS struct {
	Local   *localCustody.LocalCustody
	KeySpec types.KeySpec
	SignErr error

	mu        sync.Mutex
	signInput *kms.SignInput
}

func NewFakeKMS(local *localCustody.LocalCustody) *FakeKMS {
	return &FakeKMS{Local: local, KeySpec: types.KeySpecEccSecgP256k1}
}

func (f *FakeKMS) GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	pub, err := f.Local.GetPublicKey(ctx, aws.ToString(params.KeyId))
	if err != nil {
		return nil, err
	}
	return &kms.GetPublicKeyOutput{
		KeyId:     params.KeyId,
		PublicKey: pub,
		KeySpec:   f.KeySpec,
		KeyUsage:  types.KeyUsageTypeSignVerify,
	}, nil
}

func (f *FakeKMS) Sign(ctx context.Context, params *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	f.mu.Lock()
	f.signInput = params
	f.mu.Unlock()

	if f.SignErr != nil {
		return nil, f.SignErr
	}
	sig, err := f.Local.Sign(ctx, aws.ToString(params.KeyId), params.Message)
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{KeyId: params.KeyId, Signature: sig, SigningAlgorithm: params.SigningAlgorithm}, nil
}

// LastSignInput returns the most recent Sign request, or nil.
func (f *FakeKMS) LastSignInput() *kms.SignInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signInput
}
