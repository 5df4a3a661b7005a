package jobxalert

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
)

// EmailAlerter sends alerts through AWS SES to a fixed recipient list.
type EmailAlerter struct {
	client *ses.Client
	from   string
	to     []string
}

// NewEmailAlerter creates an SES alert sink.
func NewEmailAlerter(client *ses.Client, from string, to []string) *EmailAlerter {
	return &EmailAlerter{
		client: client,
		from:   from,
		to:     to,
	}
}

// JobFailed emails the permanent-failure report.
func (a *EmailAlerter) JobFailed(ctx context.Context, job *jobx.Job) error {
	subject, body := renderFailed(job)
	return a.send(ctx, subject, body)
}

// SweepRecovered emails the sweep report.
func (a *EmailAlerter) SweepRecovered(ctx context.Context, result *jobx.SweepResult) error {
	subject, body := renderSweep(result)
	return a.send(ctx, subject, body)
}

func (a *EmailAlerter) send(ctx context.Context, subject, body string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &types.Destination{
			ToAddresses: a.to,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	if _, err := a.client.SendEmail(ctx, input); err != nil {
		return alertErrors.NewWithCause(ErrSendFailed, err).
			WithDetail("to", a.to).
			WithDetail("subject", subject)
	}
	return nil
}
