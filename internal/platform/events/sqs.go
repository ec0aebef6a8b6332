package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the subset of *sqs.Client used by SQSSink.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink sends events to an SQS queue. FIFO queues get the appointment id
// as message group so per-appointment order is kept.
type SQSSink struct {
	client   sqsAPI
	queueURL string
	fifo     bool
}

// NewSQSSink builds a client from the default AWS credential chain.
func NewSQSSink(ctx context.Context, queueURL string) (*SQSSink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.New(sqs.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
	})
	return newSQSSink(client, queueURL), nil
}

func newSQSSink(client sqsAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL, fifo: strings.HasSuffix(queueURL, ".fifo")}
}

func (s *SQSSink) Name() string { return "sqs" }

func (s *SQSSink) Publish(ctx context.Context, e Event) error {
	body, err := e.Encode()
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(e.Type)},
		},
	}
	if s.fifo {
		in.MessageGroupId = aws.String(e.Key)
		in.MessageDeduplicationId = aws.String(e.ID)
	}
	_, err = s.client.SendMessage(ctx, in)
	return err
}

func (s *SQSSink) Close() error { return nil }
