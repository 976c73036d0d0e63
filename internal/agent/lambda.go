package agent

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
)

// Invoker abstracts the remote invocation API so workers and tests never
// touch the SDK directly.
type Invoker interface {
	Invoke(ctx context.Context, functionName string, payload []byte) ([]byte, error)
}

// LambdaInvoker invokes agent functions over AWS Lambda.
type LambdaInvoker struct {
	client *lambda.Client
}

// NewLambdaInvoker builds an invoker from the ambient AWS credential chain.
func NewLambdaInvoker(ctx context.Context, region string) (*LambdaInvoker, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &LambdaInvoker{client: lambda.NewFromConfig(cfg)}, nil
}

// Invoke calls a function synchronously. A FunctionError response surfaces as
// an error carrying the error payload so cold-start classification can match
// on it.
func (l *LambdaInvoker) Invoke(ctx context.Context, functionName string, payload []byte) ([]byte, error) {
	out, err := l.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(functionName),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke %s: %w", functionName, err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("agent %s failed (%s): %s",
			functionName, aws.ToString(out.FunctionError), string(out.Payload))
	}
	return out.Payload, nil
}
