// ABOUTME: Bot Framework activity wire types and helpers
// ABOUTME: The subset of the protocol the bot sends and receives

package channel

import (
	"encoding/json"
	"time"
)

// Activity types
const (
	ActivityMessage            = "message"
	ActivityInvoke             = "invoke"
	ActivityInvokeResponse     = "invokeResponse"
	ActivityConversationUpdate = "conversationUpdate"
	ActivityTyping             = "typing"
)

// Invoke names for the sign-in flow
const (
	InvokeTokenExchange = "signin/tokenExchange"
	InvokeVerifyState   = "signin/verifyState"
)

// Activity is one Bot Framework activity, inbound or outbound.
type Activity struct {
	Type         string           `json:"type"`
	ID           string           `json:"id,omitempty"`
	Timestamp    string           `json:"timestamp,omitempty"`
	ServiceURL   string           `json:"serviceUrl,omitempty"`
	ChannelID    string           `json:"channelId,omitempty"`
	From         ChannelAccount   `json:"from,omitempty"`
	Conversation Conversation     `json:"conversation,omitempty"`
	Recipient    ChannelAccount   `json:"recipient,omitempty"`
	Name         string           `json:"name,omitempty"` // invoke name
	Text         string           `json:"text,omitempty"`
	TextFormat   string           `json:"textFormat,omitempty"`
	Summary      string           `json:"summary,omitempty"`
	Value        json.RawMessage  `json:"value,omitempty"`
	ReplyToID    string           `json:"replyToId,omitempty"`
	MembersAdded []ChannelAccount `json:"membersAdded,omitempty"`
	Attachments  []Attachment     `json:"attachments,omitempty"`
	Entities     []Entity         `json:"entities,omitempty"`
	ChannelData  *ChannelData     `json:"channelData,omitempty"`
}

// ChannelAccount identifies a user or bot on the channel.
type ChannelAccount struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	AADObjectID string `json:"aadObjectId,omitempty"`
}

// Conversation identifies the conversation an activity belongs to.
type Conversation struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	IsGroup          bool   `json:"isGroup,omitempty"`
}

// ChannelData carries channel-specific extras. Teams puts the tenant here.
type ChannelData struct {
	Tenant *struct {
		ID string `json:"id"`
	} `json:"tenant,omitempty"`
}

// Attachment is a rich content attachment (cards).
type Attachment struct {
	ContentType string `json:"contentType"`
	Content     any    `json:"content,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Entity is a structured annotation on an activity.
type Entity struct {
	Type           string   `json:"type"`
	AtType         string   `json:"@type,omitempty"`
	AtContext      string   `json:"@context,omitempty"`
	AdditionalType []string `json:"additionalType,omitempty"`
}

// ConversationReference pins down where a follow-up activity should go.
type ConversationReference struct {
	ActivityID   string         `json:"activityId,omitempty"`
	Bot          ChannelAccount `json:"bot,omitempty"`
	User         ChannelAccount `json:"user,omitempty"`
	Conversation Conversation   `json:"conversation"`
	ChannelID    string         `json:"channelId"`
	ServiceURL   string         `json:"serviceUrl"`
}

// InvokeResponse is returned in the HTTP response body for invoke
// activities.
type InvokeResponse struct {
	Status int `json:"status"`
	Body   any `json:"body,omitempty"`
}

// TokenExchangeInvokeRequest is the value of a signin/tokenExchange invoke.
type TokenExchangeInvokeRequest struct {
	ID             string `json:"id"`
	ConnectionName string `json:"connectionName"`
	Token          string `json:"token"`
}

// TokenExchangeInvokeResponse acknowledges (or rejects) a token exchange
// invoke. On rejection the channel falls back to the interactive flow.
type TokenExchangeInvokeResponse struct {
	ID             string `json:"id"`
	ConnectionName string `json:"connectionName"`
	FailureDetail  string `json:"failureDetail,omitempty"`
}

// VerifyStateInvokeValue is the value of a signin/verifyState invoke. State
// carries the magic code the user typed.
type VerifyStateInvokeValue struct {
	State string `json:"state"`
}

// ConversationKey builds the stable per-conversation key used for sessions,
// pending exchanges, and turn serialization.
func (a *Activity) ConversationKey() string {
	return a.ChannelID + ":" + a.Conversation.ID
}

// UserKey is the stable per-user key on this channel, used for token
// records.
func (a *Activity) UserKey() string {
	return a.From.ID
}

// TenantID extracts the caller's tenant: channelData wins over the
// conversation field. Empty when the channel supplies neither.
func (a *Activity) TenantID() string {
	if a.ChannelData != nil && a.ChannelData.Tenant != nil && a.ChannelData.Tenant.ID != "" {
		return a.ChannelData.Tenant.ID
	}
	return a.Conversation.TenantID
}

// Reference captures the conversation reference for later replies.
func (a *Activity) Reference() ConversationReference {
	return ConversationReference{
		ActivityID:   a.ID,
		Bot:          a.Recipient,
		User:         a.From,
		Conversation: a.Conversation,
		ChannelID:    a.ChannelID,
		ServiceURL:   a.ServiceURL,
	}
}

// NewReply builds a message activity addressed back at the sender of a.
func (a *Activity) NewReply(text string) *Activity {
	return &Activity{
		Type:         ActivityMessage,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		ServiceURL:   a.ServiceURL,
		ChannelID:    a.ChannelID,
		From:         a.Recipient,
		Conversation: a.Conversation,
		Recipient:    a.From,
		ReplyToID:    a.ID,
		Text:         text,
	}
}

// AIGeneratedEntity labels a message as AI-generated content so the
// channel can render the appropriate disclaimer.
func AIGeneratedEntity() Entity {
	return Entity{
		Type:           "https://schema.org/Message",
		AtType:         "Message",
		AtContext:      "https://schema.org",
		AdditionalType: []string{"AIGeneratedContent"},
	}
}

// Invoke response helpers. Status codes mirror the channel contract: 200
// accepts, 400 rejects a bad verification code, 412 tells the channel the
// silent exchange cannot be honored.
func InvokeAccepted(body any) *InvokeResponse {
	return &InvokeResponse{Status: 200, Body: body}
}

func InvokeBadRequest(body any) *InvokeResponse {
	return &InvokeResponse{Status: 400, Body: body}
}

func InvokePreconditionFailed(body any) *InvokeResponse {
	return &InvokeResponse{Status: 412, Body: body}
}
