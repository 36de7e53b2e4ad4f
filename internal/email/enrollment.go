package email

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"field-access-control/internal/domain"
)

const sendTimeout = 30 * time.Second

// EnrollmentNotifier mails administrators when a device asks to enroll.
// Mail goes out in the background so a slow relay never delays the device.
type EnrollmentNotifier struct {
	sender  Sender
	to      []string
	baseURL string

	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewEnrollmentNotifier(sender Sender, admins []string, baseURL string) *EnrollmentNotifier {
	return &EnrollmentNotifier{
		sender:  sender,
		to:      admins,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  slog.With("component", "EnrollmentNotifier"),
	}
}

func (n *EnrollmentNotifier) EnrollmentPending(ctx context.Context, req *domain.EnrollmentRequest) {
	if len(n.to) == 0 {
		return
	}
	msg, err := n.message(req)
	if err != nil {
		n.logger.Error("Failed to render enrollment mail", "request_id", req.RequestID, "error", err)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := n.sender.Send(sctx, msg); err != nil {
			n.logger.Warn("Failed to mail administrators", "request_id", req.RequestID, "error", err)
		}
	}()
}

// Wait blocks until queued mail has been handed to the relay.
func (n *EnrollmentNotifier) Wait() {
	n.wg.Wait()
}

func (n *EnrollmentNotifier) message(req *domain.EnrollmentRequest) (*Message, error) {
	link := ""
	if n.baseURL != "" {
		link = n.baseURL + "/api/admin/enrollments?status=pending"
	}
	body, err := render(pendingEnrollmentTemplate, struct {
		RequestID   string
		Fingerprint string
		KeyID       string
		Metadata    map[string]string
		Expires     string
		Link        string
	}{
		RequestID:   req.RequestID,
		Fingerprint: req.DeviceFingerprint,
		KeyID:       req.BootstrapKeyID,
		Metadata:    req.DeclaredMetadata,
		Expires:     req.ExpiresAt.Format(time.RFC3339),
		Link:        link,
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		To:      n.to,
		Subject: "Device enrollment pending: " + req.DeviceFingerprint,
		HTML:    body,
	}, nil
}
