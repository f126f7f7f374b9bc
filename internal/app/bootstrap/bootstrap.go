package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/carserv/carserv-platform/internal/config"
	"github.com/carserv/carserv-platform/internal/payments"
	"github.com/carserv/carserv-platform/internal/refunds"
	"github.com/carserv/carserv-platform/pkg/logging"
)

// LoadAWSConfig centralizes AWS SDK initialization so both binaries share
// the same LocalStack/production wiring.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}

	if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				switch service {
				case sqs.ServiceID:
					return aws.Endpoint{
						URL:           endpoint,
						PartitionID:   "aws",
						SigningRegion: cfg.AWSRegion,
					}, nil
				default:
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				}
			},
		)
	}

	return awsCfg, nil
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, continuing without it", "error", err)
		return nil
	}
	return client
}

// BuildPaymentGateway returns the configured gateway, or nil when the
// provider is unset so webhook verification is skipped in development.
func BuildPaymentGateway(cfg *appconfig.Config, logger *logging.Logger) (payments.Gateway, error) {
	switch cfg.GatewayProvider {
	case "", "none":
		return nil, nil
	case "mercadopago":
		if strings.TrimSpace(cfg.MercadoPagoAccessToken) == "" {
			logger.Warn("MERCADOPAGO_ACCESS_TOKEN unset, payment gateway disabled")
			return nil, nil
		}
		return payments.NewMercadoPagoGateway(cfg.MercadoPagoAccessToken, logger)
	default:
		logger.Warn("unknown payment gateway provider, gateway disabled", "provider", cfg.GatewayProvider)
		return nil, nil
	}
}

// BuildRefunder returns the gateway-side refunder matching the configured
// provider. A nil refunder leaves refunds in the manual workflow.
func BuildRefunder(cfg *appconfig.Config, logger *logging.Logger) (refunds.GatewayRefunder, error) {
	if cfg.GatewayProvider != "mercadopago" || strings.TrimSpace(cfg.MercadoPagoAccessToken) == "" {
		return nil, nil
	}
	return refunds.NewMercadoPagoRefunder(cfg.MercadoPagoAccessToken, logger)
}
