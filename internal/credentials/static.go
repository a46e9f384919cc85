// Package credentials supplies upstream search credentials. Only a static
// provider exists; keys are configured out of band.
package credentials

import (
	"context"
	"errors"
	"strings"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// ErrMissing is returned when no credentials are configured.
var ErrMissing = errors.New("search credentials are not configured")

// Static returns the same credentials on every call.
type Static struct {
	creds catalog.Credentials
}

// NewStatic trims and stores the key pair.
func NewStatic(apiKey, appID string) *Static {
	return &Static{creds: catalog.Credentials{
		APIKey: strings.TrimSpace(apiKey),
		AppID:  strings.TrimSpace(appID),
	}}
}

// Credentials implements catalog.CredentialProvider.
func (s *Static) Credentials(ctx context.Context) (catalog.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Credentials{}, err
	}
	if s.creds.APIKey == "" || s.creds.AppID == "" {
		return catalog.Credentials{}, ErrMissing
	}
	return s.creds, nil
}
