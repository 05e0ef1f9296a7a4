package audio

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DryRunEngine goes through the join and leave steps without touching a
// device or a media server. The CLI uses it where no media SDK is linked.
type DryRunEngine struct {
	Log *zap.SugaredLogger
}

func (e DryRunEngine) logger() *zap.SugaredLogger {
	if e.Log == nil {
		return zap.NewNop().Sugar()
	}
	return e.Log
}

func (e DryRunEngine) Connect(ctx context.Context, creds Credentials, _ RemoteEvents) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.logger().Infow("dry-run connect", "app_id", creds.AppID, "channel", creds.ChannelName, "uid", creds.UID)
	return &dryRunConn{log: e.logger(), channel: creds.ChannelName}, nil
}

func (e DryRunEngine) OpenMicrophone(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &dryRunTrack{log: e.logger()}, nil
}

type dryRunConn struct {
	log     *zap.SugaredLogger
	channel string
}

func (c *dryRunConn) Publish(ctx context.Context, _ Track) error {
	c.log.Infow("dry-run publish", "channel", c.channel)
	return ctx.Err()
}

func (c *dryRunConn) Leave(context.Context) error {
	c.log.Infow("dry-run leave", "channel", c.channel)
	return nil
}

type dryRunTrack struct {
	log  *zap.SugaredLogger
	once sync.Once
}

func (t *dryRunTrack) Close() error {
	t.once.Do(func() { t.log.Infow("dry-run microphone released") })
	return nil
}
