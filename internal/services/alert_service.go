package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/BradenHooton/ladderguard/pkg/logger"
)

// SESClient is the subset of the SES API the alert sink needs
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// alertTypes are the events worth waking someone up for
var alertTypes = map[string]bool{
	logger.EventLockoutEngaged:      true,
	logger.EventFingerprintMismatch: true,
}

// SESAlertSink mails critical security events to the configured recipients.
// Sending happens off the request path.
type SESAlertSink struct {
	client      SESClient
	fromAddress string
	recipients  []string
	logger      *slog.Logger
	timeout     time.Duration
}

// NewSESAlertSink creates an alert sink backed by AWS SES
func NewSESAlertSink(ctx context.Context, region, fromAddress string, recipients []string, log *slog.Logger) (*SESAlertSink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESAlertSinkWithClient(ses.NewFromConfig(cfg), fromAddress, recipients, log), nil
}

// NewSESAlertSinkWithClient creates an alert sink around an existing client
func NewSESAlertSinkWithClient(client SESClient, fromAddress string, recipients []string, log *slog.Logger) *SESAlertSink {
	return &SESAlertSink{
		client:      client,
		fromAddress: fromAddress,
		recipients:  recipients,
		logger:      log,
		timeout:     10 * time.Second,
	}
}

// Emit queues an e-mail for alert-worthy events and ignores the rest
func (s *SESAlertSink) Emit(_ context.Context, event logger.SecurityEvent) {
	if !alertTypes[event.Type] {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Send(ctx, event); err != nil {
			s.logger.Error("failed to send security alert",
				slog.String("event_id", event.ID),
				slog.Any("error", err))
		}
	}()
}

// Send mails one event synchronously
func (s *SESAlertSink) Send(ctx context.Context, event logger.SecurityEvent) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: s.recipients,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(fmt.Sprintf("[ladderguard] %s", event.Type)),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(alertBody(event)),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}

	s.logger.Info("security alert sent",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}

func alertBody(event logger.SecurityEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event:      %s\n", event.Type)
	fmt.Fprintf(&b, "Severity:   %s\n", event.Severity)
	fmt.Fprintf(&b, "Time:       %s\n", event.Time.Format(time.RFC3339))
	if event.Purpose != "" {
		fmt.Fprintf(&b, "Purpose:    %s\n", event.Purpose)
	}
	if event.Identifier != "" {
		fmt.Fprintf(&b, "Identifier: %s\n", event.Identifier)
	}
	if event.IPAddress != "" {
		fmt.Fprintf(&b, "IP address: %s\n", event.IPAddress)
	}
	if event.Reason != "" {
		fmt.Fprintf(&b, "Reason:     %s\n", event.Reason)
	}

	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, event.Metadata[k])
	}

	fmt.Fprintf(&b, "\nEvent ID: %s\n", event.ID)
	return b.String()
}
