package client

import (
	"context"
	"fmt"
	"net/url"
)

func (r *REST) Channel(ctx context.Context, channelId Snowflake) (Channel, error) {
	if channelId == "" {
		return Channel{}, fmt.Errorf("channel id is empty")
	}

	var channel Channel
	if err := r.get(ctx, "/channels/"+url.PathEscape(string(channelId)), &channel); err != nil {
		return Channel{}, fmt.Errorf("could not get channel %s: %w", channelId, err)
	}
	return channel, nil
}
