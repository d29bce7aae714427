// ABOUTME: Bot Framework app credentials and the OAuth token source
// ABOUTME: Client-credentials grant against the Microsoft login endpoint

package channel

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	loginURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

	// Single-tenant bots authenticate against their own tenant; the
	// botframework.com pseudo-tenant covers multi-tenant registrations.
	defaultLoginTenant = "botframework.com"

	connectorScope = "https://api.botframework.com/.default"
)

// AppCredentials holds the bot's app registration and mints bearer tokens
// for the connector and token services.
type AppCredentials struct {
	conf clientcredentials.Config
}

// NewAppCredentials builds credentials for the given app registration.
// tenantID may be empty for multi-tenant apps.
func NewAppCredentials(appID, appPassword, tenantID string) *AppCredentials {
	tenant := tenantID
	if tenant == "" {
		tenant = defaultLoginTenant
	}
	return &AppCredentials{
		conf: clientcredentials.Config{
			ClientID:     appID,
			ClientSecret: appPassword,
			TokenURL:     fmt.Sprintf(loginURLTemplate, tenant),
			Scopes:       []string{connectorScope},
		},
	}
}

// AppID returns the bot's app registration ID.
func (c *AppCredentials) AppID() string {
	return c.conf.ClientID
}

// HTTPClient returns an http.Client that attaches and refreshes the bearer
// token on every request. The context bounds token refresh requests.
func (c *AppCredentials) HTTPClient(ctx context.Context) *http.Client {
	return c.conf.Client(ctx)
}
