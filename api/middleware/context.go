package middleware

import "context"

type contextKey string

const (
	ctxInstallID  contextKey = "install_id"
	ctxCredential contextKey = "wallet_credential"
	ctxAdminSub   contextKey = "admin_subject"
)

// InstallIDFromContext returns the caller's installation identity, or "".
func InstallIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxInstallID).(string); ok {
		return v
	}
	return ""
}

// CredentialFromContext returns the viewer wallet credential forwarded by the
// client. Empty means the default payer settles.
func CredentialFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxCredential).(string); ok {
		return v
	}
	return ""
}

func AdminSubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxAdminSub).(string); ok {
		return v
	}
	return ""
}

// WithInstallID injects the installation identifier into the context.
func WithInstallID(ctx context.Context, installID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxInstallID, installID)
}

func WithCredential(ctx context.Context, credential string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxCredential, credential)
}
