package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nlopes/slack"
	"github.com/pkg/errors"

	"github.com/novatra/novatra/log"
)

// DecodeAuthString splits a base64 "user:password" pair as found in a
// basic Authorization header.
func DecodeAuthString(encoded string) (string, string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", errors.Wrap(err, "auth string not valid")
	}
	arr := strings.SplitN(string(data), ":", 2)
	if len(arr) != 2 {
		return "", "", errors.New("auth string not valid: missing ':'")
	}
	return arr[0], arr[1], nil
}

// ActorFromHeaders resolves the acting user from the explicit actor header,
// falling back to the basic-auth username.
func ActorFromHeaders(actorHeader, authorization string) string {
	if actor := strings.TrimSpace(actorHeader); actor != "" {
		return actor
	}
	const prefix = "basic "
	if len(authorization) > len(prefix) && strings.EqualFold(authorization[:len(prefix)], prefix) {
		username, _, err := DecodeAuthString(strings.TrimSpace(authorization[len(prefix):]))
		if err == nil {
			return username
		}
	}
	return ""
}

func FormatSize(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}

const (
	green  = "#00FF00"
	red    = "#FF0000"
	orange = "#FFA500"
)

func PostSlackUpdate(webhookURL, text string) error {
	return postSlackMessage(webhookURL, slack.Attachment{
		Color: orange,
		Text:  text,
		Ts:    json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
	})
}

func PostSlackError(webhookURL, text string) error {
	return postSlackMessage(webhookURL, slack.Attachment{
		Color: red,
		Text:  text,
		Ts:    json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
	})
}

func PostSlackSuccess(webhookURL, text string) error {
	return postSlackMessage(webhookURL, slack.Attachment{
		Color: green,
		Text:  text,
		Ts:    json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
	})
}

// postSlackMessage is a no-op without a webhook.
func postSlackMessage(webhookURL string, attachment slack.Attachment) error {
	if webhookURL == "" {
		return nil
	}
	msg := slack.WebhookMessage{
		Attachments: []slack.Attachment{attachment},
	}
	if err := slack.PostWebhook(webhookURL, &msg); err != nil {
		log.LogAppErr(fmt.Sprintf("Cannot post to slack webhook_url %s", webhookURL), err)
		return err
	}
	return nil
}
