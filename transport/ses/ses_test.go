package ses

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptgott/relaymail/transport"
)

// mockSESClient implements SendEmailAPI.
type mockSESClient struct {
	err       error
	calls     int
	lastInput *sesv2.SendEmailInput
	lastOpts  sesv2.Options
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.calls++
	m.lastInput = params
	m.lastOpts = sesv2.Options{RetryMaxAttempts: 3}
	for _, fn := range optFns {
		fn(&m.lastOpts)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("0100-abc")}, nil
}

var env = transport.Envelope{
	MessageID: "1@example.com",
	From:      "me@example.com",
	To:        []string{"you@example.com"},
	Data:      []byte("Subject: hi\r\n\r\nhello\r\n"),
}

func TestSendRaw(t *testing.T) {
	mock := &mockSESClient{}
	tr := NewWithClient(Config{Region: "eu-west-1", ConfigurationSet: "tracking"}, mock)
	assert.Equal(t, "ses:eu-west-1", tr.Name())

	o := tr.Send(context.Background(), env)
	require.Equal(t, transport.Accepted, o.Status)
	assert.Equal(t, "0100-abc", o.ID)

	require.Equal(t, 1, mock.calls)
	in := mock.lastInput
	assert.Equal(t, "me@example.com", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, env.To, in.Destination.ToAddresses)
	assert.Equal(t, env.Data, in.Content.Raw.Data)
	assert.Equal(t, "tracking", aws.ToString(in.ConfigurationSetName))
	assert.Equal(t, 1, mock.lastOpts.RetryMaxAttempts)
}

func TestSendErrors(t *testing.T) {
	testCases := []struct {
		description    string
		err            error
		expectedStatus transport.Status
		expectedReason transport.Reason
	}{
		{
			description:    "throttled",
			err:            &smithy.GenericAPIError{Code: "TooManyRequestsException", Fault: smithy.FaultClient},
			expectedStatus: transport.Unavailable,
			expectedReason: transport.ReasonBusy,
		},
		{
			description:    "rejected",
			err:            &smithy.GenericAPIError{Code: "MessageRejected", Fault: smithy.FaultClient},
			expectedStatus: transport.Rejected,
			expectedReason: transport.ReasonMessage,
		},
		{
			description:    "suspended account",
			err:            &smithy.GenericAPIError{Code: "AccountSuspendedException", Fault: smithy.FaultClient},
			expectedStatus: transport.Rejected,
			expectedReason: transport.ReasonAuth,
		},
		{
			description:    "unlisted client fault",
			err:            &smithy.GenericAPIError{Code: "SomethingNew", Fault: smithy.FaultClient},
			expectedStatus: transport.Rejected,
			expectedReason: transport.ReasonUnknown,
		},
		{
			description:    "unlisted server fault",
			err:            &smithy.GenericAPIError{Code: "SomethingNew", Fault: smithy.FaultServer},
			expectedStatus: transport.Unavailable,
			expectedReason: transport.ReasonUnknown,
		},
		{
			description:    "not an API error",
			err:            errors.New("connection reset"),
			expectedStatus: transport.Unavailable,
			expectedReason: transport.ReasonUnknown,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			tr := NewWithClient(Config{}, &mockSESClient{err: tc.err})
			o := tr.Send(context.Background(), env)
			assert.Equal(t, tc.expectedStatus, o.Status)
			assert.Equal(t, tc.expectedReason, o.Reason)
			assert.Equal(t, tc.err, o.Err)
		})
	}
}

func TestSendCancelled(t *testing.T) {
	mock := &mockSESClient{}
	tr := NewWithClient(Config{Name: "primary"}, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := tr.Send(ctx, env)
	assert.Equal(t, transport.ReasonCancelled, o.Reason)
	assert.Zero(t, mock.calls)
}
