package notify

import (
	"context"
	"fmt"
	"time"

	pubnub "github.com/pubnub/go/v7"
)

type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	UUID         string
}

// PubNubNotifier publishes events to per-user channels.
type PubNubNotifier struct {
	pn *pubnub.PubNub
}

func NewPubNubNotifier(cfg *PubNubConfig) *PubNubNotifier {
	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UUID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.SecretKey = cfg.SecretKey

	return &PubNubNotifier{pn: pubnub.NewPubNub(pnCfg)}
}

func (n *PubNubNotifier) Notify(_ context.Context, ev *Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	channel := fmt.Sprintf("user-%s", ev.UserID)
	_, _, err := n.pn.Publish().
		Channel(channel).
		Message(ev).
		Execute()
	if err != nil {
		return fmt.Errorf("Notify: pubnub publish to %s: %w", channel, err)
	}
	return nil
}

func (n *PubNubNotifier) Close() {
	n.pn.Destroy()
}
