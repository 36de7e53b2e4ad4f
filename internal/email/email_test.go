package email

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"field-access-control/internal/config"
	"field-access-control/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg *Message) error {
	return m.Called(ctx, msg).Error(0)
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(config.EmailConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	assert.IsType(t, LogSender{}, NewSender(config.EmailConfig{}))
	assert.IsType(t, &Client{}, NewSender(config.EmailConfig{Host: "smtp.example.com", Port: 587, From: "noreply@example.com"}))
}

func TestLoginCodeMessage(t *testing.T) {
	client, err := NewClient(config.EmailConfig{Host: "smtp.example.com", Port: 587, From: "noreply@example.com"})
	require.NoError(t, err)

	msg, err := LoginCodeMessage("operator@example.com", "042137", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"operator@example.com"}, msg.To)
	assert.Contains(t, msg.HTML, "042137")

	m, err := client.buildMessage(msg)
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "042137")
	assert.NotContains(t, msg.Text, "<h2>")

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "Subject: Your field access sign-in code")
	assert.Contains(t, raw, "multipart/alternative")
	assert.Contains(t, raw, "042137")
}

func TestBuildMessageRejectsBadRecipient(t *testing.T) {
	client, err := NewClient(config.EmailConfig{Host: "smtp.example.com", From: "noreply@example.com"})
	require.NoError(t, err)
	_, err = client.buildMessage(&Message{To: []string{"not an address"}, HTML: "<p>x</p>"})
	assert.Error(t, err)
}

func TestEnrollmentNotifier(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.MatchedBy(func(msg *Message) bool {
		return msg.Subject == "Device enrollment pending: fp-plc-7" &&
			bytes.Contains([]byte(msg.HTML), []byte("enr_1")) &&
			bytes.Contains([]byte(msg.HTML), []byte("https://access.example.com/api/admin/enrollments"))
	})).Return(errors.New("relay down"))

	n := NewEnrollmentNotifier(sender, []string{"admin@example.com"}, "https://access.example.com/")
	n.EnrollmentPending(context.Background(), &domain.EnrollmentRequest{
		RequestID:         "enr_1",
		BootstrapKeyID:    "bk_1",
		DeviceFingerprint: "fp-plc-7",
		DeclaredMetadata:  domain.Metadata{"type": "plc"},
		ExpiresAt:         time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC),
	})
	n.Wait()
	sender.AssertNumberOfCalls(t, "Send", 1)

	silent := &mockSender{}
	NewEnrollmentNotifier(silent, nil, "").EnrollmentPending(context.Background(), &domain.EnrollmentRequest{RequestID: "enr_2"})
	silent.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}
