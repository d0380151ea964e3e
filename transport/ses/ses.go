// Package ses submits raw messages through the Amazon SES v2 API.
package ses

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaymail/transport"
)

// ErrorCodeTable classifies SES API error codes. Codes that aren't listed
// are handed to transport.Classify along with the rest of the error.
var ErrorCodeTable = map[string]transport.Verdict{
	"Throttling":                         {Status: transport.Unavailable, Reason: transport.ReasonBusy},
	"TooManyRequestsException":           {Status: transport.Unavailable, Reason: transport.ReasonBusy},
	"LimitExceededException":             {Status: transport.Unavailable, Reason: transport.ReasonBusy},
	"InternalFailure":                    {Status: transport.Unavailable, Reason: transport.ReasonUnknown},
	"ServiceUnavailable":                 {Status: transport.Unavailable, Reason: transport.ReasonUnknown},
	"MessageRejected":                    {Status: transport.Rejected, Reason: transport.ReasonMessage},
	"MailFromDomainNotVerifiedException": {Status: transport.Rejected, Reason: transport.ReasonConfig},
	"AccountSuspendedException":          {Status: transport.Rejected, Reason: transport.ReasonAuth},
	"SendingPausedException":             {Status: transport.Rejected, Reason: transport.ReasonAuth},
	"BadRequestException":                {Status: transport.Rejected, Reason: transport.ReasonMessage},
	"NotFoundException":                  {Status: transport.Rejected, Reason: transport.ReasonConfig},
	"UnrecognizedClientException":        {Status: transport.Rejected, Reason: transport.ReasonAuth},
	"InvalidClientTokenId":               {Status: transport.Rejected, Reason: transport.ReasonAuth},
	"SignatureDoesNotMatch":              {Status: transport.Rejected, Reason: transport.ReasonAuth},
}

// SendEmailAPI is the part of the SES v2 client the Transport uses.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Config describes one SES account.
type Config struct {
	Name   string
	Region string
	// Static credentials. If they're empty, the default AWS credential
	// chain applies.
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
}

// Transport implements transport.Transport over SES.
type Transport struct {
	name   string
	cfgSet string
	client SendEmailAPI
}

// New loads the AWS configuration for cfg.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %v", err)
	}
	return NewWithClient(cfg, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient uses client instead of building one from the AWS
// configuration.
func NewWithClient(cfg Config, client SendEmailAPI) *Transport {
	name := cfg.Name
	if name == "" {
		name = "ses"
		if cfg.Region != "" {
			name += ":" + cfg.Region
		}
	}
	return &Transport{name: name, cfgSet: cfg.ConfigurationSet, client: client}
}

func (t *Transport) Name() string { return t.name }

// Send submits env.Data unchanged as a raw message. The SDK's own retries
// are turned off; retrying is up to the caller.
func (t *Transport) Send(ctx context.Context, env transport.Envelope) transport.Outcome {
	if err := ctx.Err(); err != nil {
		return transport.Classify(err)
	}

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination:      &types.Destination{ToAddresses: env.To},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: env.Data},
		},
	}
	if t.cfgSet != "" {
		in.ConfigurationSetName = aws.String(t.cfgSet)
	}

	out, err := t.client.SendEmail(ctx, in, func(o *sesv2.Options) {
		o.RetryMaxAttempts = 1
	})
	if err != nil {
		o := classify(err)
		log.Debug().
			Str("account", t.name).
			Str("message", env.MessageID).
			Str("status", o.Status.String()).
			Err(err).
			Msg("SES send failed")
		return o
	}
	return transport.OK(aws.ToString(out.MessageId))
}

func classify(err error) transport.Outcome {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		if v, ok := ErrorCodeTable[ae.ErrorCode()]; ok {
			return transport.Outcome{Status: v.Status, Reason: v.Reason, Err: err}
		}
		if ae.ErrorFault() == smithy.FaultClient {
			return transport.Outcome{Status: transport.Rejected, Reason: transport.ReasonUnknown, Err: err}
		}
	}
	return transport.Classify(err)
}
