package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/qwer2003tw/unigate/internal/backoff"
	"github.com/qwer2003tw/unigate/internal/observability"
)

// sqsAPI is the slice of the SQS client the mirror uses, kept narrow so
// tests can substitute a fake.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSMirror dual-writes raw Telegram webhook bodies to a legacy queue
// while old consumers are still attached. Transitional: the event bus
// is the migration endpoint.
type SQSMirror struct {
	client   sqsAPI
	queueURL string
	log      *observability.Logger
	metrics  *observability.Metrics
}

// SQSMirrorOptions configures the legacy mirror.
type SQSMirrorOptions struct {
	QueueURL string
	Region   string
	Endpoint string
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// NewSQSMirror creates the mirror against a real SQS endpoint.
func NewSQSMirror(ctx context.Context, opts SQSMirrorOptions) (*SQSMirror, error) {
	queueURL := strings.TrimSpace(opts.QueueURL)
	if queueURL == "" {
		return nil, fmt.Errorf("legacy queue url is required")
	}
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return newSQSMirror(client, queueURL, opts.Logger, opts.Metrics), nil
}

func newSQSMirror(client sqsAPI, queueURL string, log *observability.Logger, metrics *observability.Metrics) *SQSMirror {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &SQSMirror{client: client, queueURL: queueURL, log: log, metrics: metrics}
}

// sqsMirrorAttempts bounds retries; the mirror is best-effort and must
// never hold up webhook processing for long.
const sqsMirrorAttempts = 3

// Mirror sends one raw webhook body to the legacy queue, tagged with
// the chat and message ids old consumers key on.
func (m *SQSMirror) Mirror(ctx context.Context, rawBody []byte, chatID, messageID int64) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(m.queueURL),
		MessageBody: aws.String(string(rawBody)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"chat_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(chatID, 10)),
			},
			"message_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(messageID, 10)),
			},
		},
	}

	err := backoff.Retry(ctx, backoff.Default(), sqsMirrorAttempts, func(int) error {
		_, err := m.client.SendMessage(ctx, input)
		return err
	})
	if err != nil {
		m.metrics.RecordError("legacy_queue", "send_failed")
		m.log.Error(ctx, "legacy queue mirror failed",
			"chat_id", chatID, "message_id", messageID, "error", err)
		return fmt.Errorf("mirror to legacy queue: %w", err)
	}
	return nil
}
