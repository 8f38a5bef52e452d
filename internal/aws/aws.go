package aws

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/pkg/errors"
)

const kubernetesServiceAccountToken = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// LoadAWSConfig resolves credentials through the default chain. Outside of
// Kubernetes an explicit AWS_PROFILE selects the shared config profile; in a
// pod the service account (IRSA) credentials are used instead.
func LoadAWSConfig(ctx context.Context, regionOverride string) (aws.Config, error) {
	var options []func(*config.LoadOptions) error

	if profile := getProfile(); profile != "" && !isInKubernetes() {
		options = append(options, config.WithSharedConfigProfile(profile))
	}

	if regionOverride != "" {
		options = append(options, config.WithRegion(regionOverride))
	}

	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		return aws.Config{}, errors.New("no AWS region configured; set AWS_REGION or --aws-region")
	}
	return cfg, nil
}

// Simple check to see if we're running in K8s
func isInKubernetes() bool {
	_, err := os.Stat(kubernetesServiceAccountToken)
	return err == nil
}

func getProfile() string {
	return os.Getenv("AWS_PROFILE")
}

// STSAPI is the subset of the STS client used for identity checks.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

var _ STSAPI = (*sts.Client)(nil)

func GetCallerIdentity(ctx context.Context, cfg aws.Config) (*sts.GetCallerIdentityOutput, error) {
	return GetCallerIdentityWithClient(ctx, sts.NewFromConfig(cfg))
}

func GetCallerIdentityWithClient(ctx context.Context, client STSAPI) (*sts.GetCallerIdentityOutput, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, errors.Wrap(err, "sts GetCallerIdentity failed")
	}
	return out, nil
}
