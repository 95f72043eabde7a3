package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/streamfair-backend/api/responses"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
)

const (
	InstallIDHeader        = "X-Install-Id"
	WalletCredentialHeader = "X-Wallet-Credential"

	maxInstallIDLength  = 128
	maxCredentialLength = 256
)

// Installation requires the X-Install-Id header and seeds it into the request
// context and log fields.
func Installation(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			installID := strings.TrimSpace(r.Header.Get(InstallIDHeader))
			if installID == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Missing X-Install-Id header"))
				return
			}
			if len(installID) > maxInstallIDLength {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "X-Install-Id header too long").
					WithDetails(map[string]any{"max": maxInstallIDLength}))
				return
			}

			ctx := WithInstallID(r.Context(), installID)
			if logg != nil {
				ctx = logg.WithInstallID(ctx, installID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WalletCredential forwards an optional X-Wallet-Credential header. The value
// is never logged.
func WalletCredential(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := strings.TrimSpace(r.Header.Get(WalletCredentialHeader))
			if credential == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(credential) > maxCredentialLength {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "X-Wallet-Credential header too long"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), credential)))
		})
	}
}
