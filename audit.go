package goSession

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/MrEthical07/goSession/credstore"
	"github.com/MrEthical07/goSession/internal/audit"
	"github.com/sirupsen/logrus"
)

// AuditEvent is a session lifecycle record delivered to an AuditSink.
type AuditEvent = audit.Event

// AuditSink receives audit events from the Client's dispatcher goroutine.
type AuditSink = audit.Sink

// ChannelSink buffers events in a channel; see NewChannelSink.
type ChannelSink = audit.ChannelSink

// NoOpSink discards events.
type NoOpSink = audit.NoOpSink

func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink writes one JSON document per event to w.
func NewJSONWriterSink(w io.Writer) AuditSink {
	return audit.NewJSONWriterSink(w)
}

// NewLogrusSink logs events through l.
func NewLogrusSink(l logrus.FieldLogger) AuditSink {
	return audit.NewLogrusSink(l)
}

const (
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventRegisterSuccess       = "register_success"
	auditEventRegisterFailure       = "register_failure"
	auditEventLogout                = "logout"
	auditEventRefreshSuccess        = "refresh_success"
	auditEventRefreshFailure        = "refresh_failure"
	auditEventSessionExpired        = "session_expired"
	auditEventRestoreSuccess        = "restore_success"
	auditEventRestoreFailure        = "restore_failure"
	auditEventProfileUpdate         = "profile_update"
	auditEventPasswordChangeSuccess = "password_change_success"
	auditEventPasswordChangeFailure = "password_change_failure"
)

// AuditErrorCode is the stable error classification written to AuditEvent.Error.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrInvalidIdentity    AuditErrorCode = "invalid_identity"
	auditErrUnauthorized       AuditErrorCode = "unauthorized"
	auditErrSessionExpired     AuditErrorCode = "session_expired"
	auditErrRefreshFailed      AuditErrorCode = "refresh_failed"
	auditErrNetwork            AuditErrorCode = "network"
	auditErrRejected           AuditErrorCode = "rejected"
	auditErrDecode             AuditErrorCode = "decode"
	auditErrStoreUnavailable   AuditErrorCode = "store_unavailable"
	auditErrCanceled           AuditErrorCode = "canceled"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (c *Client) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	user *UserProfile,
	requestID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if c == nil || c.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		At:        time.Now().UTC(),
		Type:      eventType,
		RequestID: requestID,
		Success:   success,
		Metadata:  metadata,
	}
	if user != nil {
		event.UserID = string(user.ID)
		event.Username = user.Username
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	c.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrInvalidIdentity):
		return auditErrInvalidIdentity
	case errors.Is(err, ErrSessionExpired):
		return auditErrSessionExpired
	case errors.Is(err, ErrRefreshFailed):
		return auditErrRefreshFailed
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrNetwork):
		return auditErrNetwork
	case errors.Is(err, ErrRequestRejected):
		return auditErrRejected
	case errors.Is(err, ErrDecodeResponse):
		return auditErrDecode
	case errors.Is(err, credstore.ErrStoreUnavailable):
		return auditErrStoreUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return auditErrCanceled
	default:
		return auditErrInternal
	}
}
