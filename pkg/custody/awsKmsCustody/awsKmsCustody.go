package awsKmsCustody

import (
	"context"
	"fmt"

	"github.com/Layr-Labs/kms-signer-go/pkg/custody"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const digestLength = 32

// KMSAPI is the subset of the AWS KMS client used for signing.
type KMSAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

var _ KMSAPI = (*kms.Client)(nil)

type AWSKMSCustody struct {
	logger    *zap.Logger
	kmsClient KMSAPI
	awsRegion string
}

var _ custody.ICustodyService = (*AWSKMSCustody)(nil)

func NewAWSKMSCustody(awsCfg aws.Config, logger *zap.Logger) *AWSKMSCustody {
	return NewAWSKMSCustodyWithClient(kms.NewFromConfig(awsCfg), awsCfg.Region, logger)
}

func NewAWSKMSCustodyWithClient(client KMSAPI, awsRegion string, logger *zap.Logger) *AWSKMSCustody {
	return &AWSKMSCustody{
		logger:    logger,
		kmsClient: client,
		awsRegion: awsRegion,
	}
}

// GetPublicKey retrieves the DER encoded public key of keyId.
func (a *AWSKMSCustody) GetPublicKey(ctx context.Context, keyId string) ([]byte, error) {
	result, err := a.kmsClient.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(keyId),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get public key for key %s in region %s", keyId, a.awsRegion)
	}

	if result.KeySpec != "" && result.KeySpec != types.KeySpecEccSecgP256k1 {
		return nil, fmt.Errorf("key %s has key spec %s, expected %s", keyId, result.KeySpec, types.KeySpecEccSecgP256k1)
	}
	if result.KeyUsage != "" && result.KeyUsage != types.KeyUsageTypeSignVerify {
		return nil, fmt.Errorf("key %s has key usage %s, expected %s", keyId, result.KeyUsage, types.KeyUsageTypeSignVerify)
	}

	a.logger.Debug("Fetched public key from KMS",
		zap.String("keyId", keyId),
		zap.String("region", a.awsRegion),
		zap.Int("publicKeyLen", len(result.PublicKey)),
	)
	return result.PublicKey, nil
}

// Sign asks KMS to sign a precomputed digest with ECDSA_SHA_256. MessageType
// DIGEST stops KMS from hashing the keccak digest a second time.
func (a *AWSKMSCustody) Sign(ctx context.Context, keyId string, digest []byte) ([]byte, error) {
	if len(digest) != digestLength {
		return nil, fmt.Errorf("digest must be exactly %d bytes, got %d", digestLength, len(digest))
	}

	signOutput, err := a.kmsClient.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(keyId),
		Message:          digest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
		MessageType:      types.MessageTypeDigest,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to sign digest with key %s in region %s", keyId, a.awsRegion)
	}

	a.logger.Debug("Signed digest with KMS",
		zap.String("keyId", keyId),
		zap.Int("signatureLen", len(signOutput.Signature)),
	)
	return signOutput.Signature, nil
}
