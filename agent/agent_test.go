package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staskh/idsync/config"
)

// fakeWriter records directory writes and returns the configured error.
type fakeWriter struct {
	added    []string
	modified []string
	deleted  []string

	addErr    error
	modifyErr error
	deleteErr error
}

func (f *fakeWriter) AddEntry(dn string, attributes map[string][]string) error {
	f.added = append(f.added, dn)
	return f.addErr
}

func (f *fakeWriter) ModifyEntry(dn string, replace map[string][]string) error {
	f.modified = append(f.modified, dn)
	return f.modifyErr
}

func (f *fakeWriter) DeleteEntry(dn string) error {
	f.deleted = append(f.deleted, dn)
	return f.deleteErr
}

// fakeQueue serves one batch of messages, then empty batches, and records
// deletions.
type fakeQueue struct {
	messages []types.Message
	deleted  []string
}

func (f *fakeQueue) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeQueue) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	for _, entry := range params.Entries {
		f.deleted = append(f.deleted, aws.ToString(entry.Id))
	}
	return &sqs.DeleteMessageBatchOutput{}, nil
}

func agentConfig() config.Config {
	return config.Config{
		AutomationQueueURL: "https://sqs.us-east-1.amazonaws.com/111/res-test-ad-automation",
		ComputersOU:        "OU=Computers,DC=corp,DC=example,DC=com",
		VisibilityTimeout:  config.DefaultVisibilityTimeout,
	}
}

func testAgent(queue SQSAPI, dir DirectoryWriter) *Agent {
	return New(queue, dir, agentConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func message(id, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	}
}

func TestPollDispatchesAndDeletes(t *testing.T) {
	queue := &fakeQueue{messages: []types.Message{
		message("m1", `{"header":{"namespace":"ADAutomation.PresetComputer"},"payload":{"hostname":"ip-10-0-1-5","description":"vdi"}}`),
	}}
	writer := &fakeWriter{}

	require.NoError(t, testAgent(queue, writer).poll(context.Background()))

	assert.Equal(t, []string{"CN=IP-10-0-1-5,OU=Computers,DC=corp,DC=example,DC=com"}, writer.added)
	assert.Equal(t, []string{"m1"}, queue.deleted)
}

func TestPollDropsMalformedAndUnknown(t *testing.T) {
	queue := &fakeQueue{messages: []types.Message{
		message("bad", "not json"),
		message("unknown", `{"header":{"namespace":"ADAutomation.Later"},"payload":{"hostname":"h"}}`),
	}}
	writer := &fakeWriter{}

	require.NoError(t, testAgent(queue, writer).poll(context.Background()))

	assert.Empty(t, writer.added)
	assert.ElementsMatch(t, []string{"bad", "unknown"}, queue.deleted)
}

func TestPollLeavesRetryableFailures(t *testing.T) {
	queue := &fakeQueue{messages: []types.Message{
		message("m1", `{"header":{"namespace":"ADAutomation.UpdateComputerDescription"},"payload":{"hostname":"ip-10-0-1-5","description":"x"}}`),
	}}
	writer := &fakeWriter{
		modifyErr: ldap.NewError(ldap.LDAPResultBusy, errors.New("server busy")),
	}

	require.NoError(t, testAgent(queue, writer).poll(context.Background()))

	// The message stays on the queue for redelivery after the visibility
	// window.
	assert.Empty(t, queue.deleted)
}

func TestPollDropsTerminalFailures(t *testing.T) {
	queue := &fakeQueue{messages: []types.Message{
		message("m1", `{"header":{"namespace":"ADAutomation.UpdateComputerDescription"},"payload":{"hostname":"ip-10-0-1-5","description":"x"}}`),
	}}
	writer := &fakeWriter{
		modifyErr: ldap.NewError(ldap.LDAPResultInsufficientAccessRights, errors.New("access denied")),
	}

	require.NoError(t, testAgent(queue, writer).poll(context.Background()))
	assert.Equal(t, []string{"m1"}, queue.deleted)
}

func TestPresetComputerIdempotent(t *testing.T) {
	writer := &fakeWriter{
		addErr: ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("entry exists")),
	}
	a := testAgent(&fakeQueue{}, writer)

	err := a.presetComputer(Request{Kind: KindPresetComputer, Hostname: "ip-10-0-1-5"})
	assert.NoError(t, err)
}

func TestDeleteComputerIdempotent(t *testing.T) {
	writer := &fakeWriter{
		deleteErr: ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object")),
	}
	a := testAgent(&fakeQueue{}, writer)

	err := a.deleteComputer(Request{Kind: KindDeleteComputer, Hostname: "ip-10-0-1-5"})
	assert.NoError(t, err)
}

func TestRetainForRetry(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		retain bool
	}{
		{"retryable", classify("update", ldap.NewError(ldap.LDAPResultBusy, errors.New("server busy"))), true},
		// An error carrying neither sentinel stays on the queue.
		{"unclassified", errors.New("connection reset"), true},
		{"terminal", classify("update", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retain, retainForRetry(tt.err))
		})
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := testAgent(&fakeQueue{}, &fakeWriter{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
