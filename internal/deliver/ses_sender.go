package deliver

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sesv2types "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/campaign-engine/internal/domain"
)

// sesAPI is the subset of the sesv2 client this package calls, so tests
// can substitute a fake. Grounded on denisvmedia-inventario's ses.Sender
// seam of the same name.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers through AWS SES v2, the second pluggable transport
// named in the spec's DOMAIN STACK.
type SESSender struct {
	client sesAPI
}

// NewSESSender builds a client from ambient AWS config for the given
// region.
func NewSESSender(ctx context.Context, region string) (*SESSender, error) {
	if region == "" {
		return nil, fmt.Errorf("ses sender: region required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("ses sender: load aws config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// NewSESSenderWithClient wraps a caller-provided client, for callers wiring
// their own credential chain.
func NewSESSenderWithClient(client *sesv2.Client) *SESSender {
	return &SESSender{client: client}
}

// Send performs one SES SendEmail call.
func (s *SESSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.FromEmail),
		Destination:      &sesv2types.Destination{ToAddresses: []string{msg.Email}},
		Content: &sesv2types.EmailContent{
			Simple: &sesv2types.Message{
				Subject: &sesv2types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &sesv2types.Body{
					Html: &sesv2types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")},
					Text: &sesv2types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses sender: send email: %w", err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return &domain.SendResult{
		Success:   true,
		MessageID: messageID,
		ESPType:   domain.ESPSES,
		SentAt:    time.Now(),
	}, nil
}
