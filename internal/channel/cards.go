// ABOUTME: Card builders for the sign-in prompt
// ABOUTME: OAuth card with the silent-exchange resource attached

package channel

const oauthCardContentType = "application/vnd.microsoft.card.oauth"

// CardAction is a button on a card.
type CardAction struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Value string `json:"value,omitempty"`
	Text  string `json:"text,omitempty"`
}

// OAuthCard prompts the user to sign in against an OAuth connection. When
// TokenExchangeResource is present the channel attempts the silent exchange
// before ever showing the button.
type OAuthCard struct {
	Text                  string                 `json:"text"`
	ConnectionName        string                 `json:"connectionName"`
	Buttons               []CardAction           `json:"buttons"`
	TokenExchangeResource *TokenExchangeResource `json:"tokenExchangeResource,omitempty"`
}

// NewOAuthCardAttachment wraps an OAuth card built from a sign-in resource.
func NewOAuthCardAttachment(connectionName, text, buttonTitle string, resource *SignInResource) Attachment {
	card := OAuthCard{
		Text:           text,
		ConnectionName: connectionName,
		Buttons: []CardAction{{
			Type:  "signin",
			Title: buttonTitle,
			Value: resource.SignInLink,
		}},
		TokenExchangeResource: resource.TokenExchangeResource,
	}
	return Attachment{
		ContentType: oauthCardContentType,
		Content:     card,
	}
}
