//go:build integration

package sqs

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"

	"go.queuerunner.dev/internal/queue"
)

// TestClient_Integration_LocalStack exercises the real SQS wire protocol
// (create queue, send, receive, delete) against a LocalStack container,
// in place of hand-rolled HTTP mocks. Run with `go test -tags integration`.
func TestClient_Integration_LocalStack(t *testing.T) {
	ctx := context.Background()

	container, err := localstack.Run(ctx, "localstack/localstack:3.0")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, testcontainers.TerminateContainer(container))
	})

	endpoint, err := container.PortEndpoint(ctx, "4566/tcp", "http")
	require.NoError(t, err)

	c, err := New(ctx, Config{
		Region:          "us-east-1",
		CustomEndpoint:  endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)

	rawCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)
	raw := sqs.NewFromConfig(rawCfg, func(o *sqs.Options) { o.BaseEndpoint = aws.String(endpoint) })

	queueURL := createTestQueue(ctx, t, raw, "integration-test-queue")
	sendTestMessage(ctx, t, raw, queueURL, `{"id":1}`)

	msgs, err := c.Receive(ctx, queue.ReceiveInput{
		QueueURL:    queueURL,
		MaxMessages: 10,
		WaitTimeS:   5,
		VisibilityS: 30,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	result, err := c.DeleteBatch(ctx, queueURL, []string{msgs[0].ReceiptHandle})
	require.NoError(t, err)
	require.Empty(t, result.Failed)

	time.Sleep(time.Second)
	remaining, err := c.Receive(ctx, queue.ReceiveInput{QueueURL: queueURL, MaxMessages: 10, WaitTimeS: 1, VisibilityS: 30})
	require.NoError(t, err)
	require.Empty(t, remaining, "deleted message must not redeliver")
}

// createTestQueue and sendTestMessage call the raw AWS SDK client rather
// than queue.Client, since queue creation and send are outside the
// engine's narrow abstraction (spec §4.2) — they exist only to seed this
// integration test's fixtures.
func createTestQueue(ctx context.Context, t *testing.T, raw *sqs.Client, name string) string {
	t.Helper()
	out, err := raw.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
	require.NoError(t, err)
	return aws.ToString(out.QueueUrl)
}

func sendTestMessage(ctx context.Context, t *testing.T, raw *sqs.Client, queueURL, body string) {
	t.Helper()
	_, err := raw.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	})
	require.NoError(t, err)
}
