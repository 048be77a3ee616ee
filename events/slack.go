package events

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/novatra/novatra/log"
	"github.com/novatra/novatra/utils"
)

var slackTypes = []Type{RepositoryCreated, RepositoryDeleted, ArtifactUploaded, ArtifactDeleted}

// SlackNotifier posts lifecycle events of public repositories to a
// slack webhook.
type SlackNotifier struct {
	bus        *Bus
	webhookURL string
	bufferSize int
	post       func(webhookURL, text string) error
}

func NewSlackNotifier(bus *Bus, webhookURL string, bufferSize int) *SlackNotifier {
	return &SlackNotifier{
		bus:        bus,
		webhookURL: webhookURL,
		bufferSize: bufferSize,
	}
}

// poster picks the attachment colour: green for additions, red for
// removals and orange for moved tags.
func poster(e Event) func(webhookURL, text string) error {
	switch p := e.Payload.(type) {
	case RepositoryDeletedPayload, ArtifactDeletedPayload:
		return utils.PostSlackError
	case ArtifactUploadedPayload:
		if p.Replaced {
			return utils.PostSlackUpdate
		}
	}
	return utils.PostSlackSuccess
}

// Run consumes events until ctx is done or the bus closes. A dropped
// subscription is replaced; events missed in between are not replayed.
func (n *SlackNotifier) Run(ctx context.Context) {
	if n.webhookURL == "" {
		return
	}
	for {
		sub := n.bus.Subscribe(Filter{Types: slackTypes, Restricted: true}, n.bufferSize)
		err := n.consume(ctx, sub)
		if err == nil {
			return
		}
		log.LogAppWarn("slack notifier fell behind, resubscribing", err)
	}
}

func (n *SlackNotifier) consume(ctx context.Context, sub *Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), ErrSlowConsumer) {
					return sub.Err()
				}
				return nil
			}
			text := SlackText(e)
			if text == "" {
				continue
			}
			post := n.post
			if post == nil {
				post = poster(e)
			}
			// failures are logged by the poster
			_ = post(n.webhookURL, text)
		}
	}
}

// SlackText renders e for slack, or "" for events that are not announced.
func SlackText(e Event) string {
	switch p := e.Payload.(type) {
	case RepositoryCreatedPayload:
		return fmt.Sprintf("Repository `%s` (%s) created by `%s`", p.Name, p.Type, p.Owner)
	case RepositoryDeletedPayload:
		return fmt.Sprintf("Repository `%s` deleted with %d artifacts (%s)",
			p.Name, p.ArtifactCount, utils.FormatSize(p.SizeBytes))
	case ArtifactUploadedPayload:
		if p.Replaced {
			return fmt.Sprintf("Tag `%s:%s` moved to `%s` (%s)", p.Name, p.Version, p.ContentHash, utils.FormatSize(p.Size))
		}
		return fmt.Sprintf("Uploaded `%s:%s` (%s)", p.Name, p.Version, utils.FormatSize(p.Size))
	case ArtifactDeletedPayload:
		return fmt.Sprintf("Deleted `%s:%s`", p.Name, p.Version)
	}
	return ""
}
