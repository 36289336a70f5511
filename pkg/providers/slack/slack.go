// Package slack adapts Slack Events API and interactivity webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/providers/meta"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

type envelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	TeamID    string `json:"team_id"`
	EventID   string `json:"event_id"`
	EventTime int64  `json:"event_time"`
}

var innerMatchers = []providers.Matcher[slackevents.EventsAPIInnerEvent]{
	{Type: models.EventTypeMessage, Match: func(e slackevents.EventsAPIInnerEvent) bool {
		msg, ok := e.Data.(*slackevents.MessageEvent)

		return ok && msg.SubType == "" && msg.BotID == ""
	}},
	{Type: models.EventTypeMessage, Match: func(e slackevents.EventsAPIInnerEvent) bool {
		_, ok := e.Data.(*slackevents.AppMentionEvent)

		return ok
	}},
}

type Adapter struct {
	signingSecret string
}

func New(cfg providers.SlackConfig) *Adapter {
	return &Adapter{signingSecret: cfg.SigningSecret}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderSlack
}

func (a *Adapter) Verify(header http.Header, body []byte) error {
	verifier, err := slack.NewSecretsVerifier(header, a.signingSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", providers.ErrInvalidSignature, err)
	}

	if _, err := verifier.Write(body); err != nil {
		return fmt.Errorf("%w: %v", providers.ErrInvalidSignature, err)
	}

	if err := verifier.Ensure(); err != nil {
		return fmt.Errorf("%w: %v", providers.ErrInvalidSignature, err)
	}

	return nil
}

func (a *Adapter) Challenge(url.Values) (string, error) {
	return "", providers.ErrChallengeUnsupported
}

// Handshake echoes the challenge of url_verification requests.
func (a *Adapter) Handshake(body []byte) (string, bool) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", false
	}

	if env.Type != slackevents.URLVerification {
		return "", false
	}

	return env.Challenge, true
}

func (a *Adapter) Normalize(body []byte) (iter.Seq[models.CanonicalInboundEvent], error) {
	if bytes.HasPrefix(body, []byte("payload=")) {
		return a.normalizeInteraction(body)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, providers.Malformed(models.ProviderSlack, err)
	}

	if env.Type != slackevents.CallbackEvent {
		return func(func(models.CanonicalInboundEvent) bool) {}, nil
	}

	if env.EventID == "" {
		return nil, providers.Malformed(models.ProviderSlack, errors.New("event_callback without event_id"))
	}

	event := models.CanonicalInboundEvent{
		Provider:          models.ProviderSlack,
		ExternalMessageID: env.EventID,
		ChannelID:         env.TeamID,
		Timestamp:         time.Unix(env.EventTime, 0).UTC(),
		EventType:         models.EventTypeUnknown,
	}

	parsed, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		event.Payload = rawPayload(body)

		return single(event), nil
	}

	event.EventType = providers.Resolve(innerMatchers, parsed.InnerEvent)

	switch inner := parsed.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if inner.BotID != "" || inner.SubType == "bot_message" {
			return func(func(models.CanonicalInboundEvent) bool) {}, nil
		}

		event.ChannelID = inner.Channel
		event.SenderID = inner.User

		if event.EventType == models.EventTypeMessage {
			event.Payload = map[string]any{"text": inner.Text, "ts": inner.TimeStamp, "thread_ts": inner.ThreadTimeStamp}
		}
	case *slackevents.AppMentionEvent:
		event.ChannelID = inner.Channel
		event.SenderID = inner.User
		event.Payload = map[string]any{"text": inner.Text, "ts": inner.TimeStamp, "thread_ts": inner.ThreadTimeStamp}
	}

	if event.Payload == nil {
		event.Payload = rawPayload(body)
	}

	return single(event), nil
}

func (a *Adapter) normalizeInteraction(body []byte) (iter.Seq[models.CanonicalInboundEvent], error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, providers.Malformed(models.ProviderSlack, err)
	}

	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &callback); err != nil {
		return nil, providers.Malformed(models.ProviderSlack, err)
	}

	id := callback.TriggerID
	if id == "" {
		id = meta.UnknownID(body)
	}

	event := models.CanonicalInboundEvent{
		Provider:          models.ProviderSlack,
		ExternalMessageID: id,
		ChannelID:         callback.Channel.ID,
		SenderID:          callback.User.ID,
		Timestamp:         parseSlackTimestamp(callback.ActionTs),
		EventType:         models.EventTypeUnknown,
		Payload:           map[string]any{"raw": form.Get("payload")},
	}

	if callback.Type == slack.InteractionTypeBlockActions && len(callback.ActionCallback.BlockActions) > 0 {
		action := callback.ActionCallback.BlockActions[0]

		event.EventType = models.EventTypeQuickReply
		event.Payload = map[string]any{"text": action.Text.Text, "quick_reply": action.Value, "action_id": action.ActionID}
	}

	return single(event), nil
}

func parseSlackTimestamp(ts string) time.Time {
	seconds, _, _ := strings.Cut(ts, ".")

	unix, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil {
		return time.Time{}
	}

	return time.Unix(unix, 0).UTC()
}

func rawPayload(body []byte) map[string]any {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return map[string]any{"raw": string(body)}
	}

	return map[string]any{"raw": decoded}
}

func single(event models.CanonicalInboundEvent) iter.Seq[models.CanonicalInboundEvent] {
	return func(yield func(models.CanonicalInboundEvent) bool) {
		yield(event)
	}
}

// Sender posts replies with chat.postMessage.
type Sender struct {
	client *slack.Client
}

func NewSender(cfg providers.SlackConfig, httpClient *http.Client) *Sender {
	options := []slack.Option{}
	if httpClient != nil {
		options = append(options, slack.OptionHTTPClient(httpClient))
	}

	if cfg.APIURL != "" {
		options = append(options, slack.OptionAPIURL(cfg.APIURL))
	}

	return &Sender{client: slack.New(cfg.BotToken, options...)}
}

type retryable interface {
	Retryable() bool
}

// Send posts into message.ChannelID, or a direct message to message.To.
func (s *Sender) Send(ctx context.Context, message models.OutboundMessage) error {
	channel := message.ChannelID
	if channel == "" {
		channel = message.To
	}

	_, _, err := s.client.PostMessageContext(ctx, channel, slack.MsgOptionText(message.Text, false))
	if err == nil {
		return nil
	}

	sendErr := &providers.SendError{Provider: models.ProviderSlack, Message: err.Error(), Err: err}

	var r retryable
	if errors.As(err, &r) {
		sendErr.Retryable = r.Retryable()
	}

	var status slack.StatusCodeError
	if errors.As(err, &status) {
		sendErr.StatusCode = status.Code
	}

	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) {
		sendErr.StatusCode = http.StatusBadRequest
	}

	return sendErr
}
