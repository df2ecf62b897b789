package sink

import (
	"fmt"
	"time"

	"gopkg.in/redis.v5"
)

// Redis stores each blob under "<Prefix><peer>/<id>" and publishes that key on Channel.
type Redis struct {
	Client  *redis.Client
	Prefix  string
	Channel string
	TTL     time.Duration
}

func NewRedis(addr string) *Redis {
	return &Redis{
		Client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		Prefix:  "frag:blob:",
		Channel: "frag:complete",
		TTL:     time.Hour,
	}
}

func (r *Redis) Key(peer string, imageId uint32) string {
	return fmt.Sprintf("%s%s/%d", r.Prefix, peer, imageId)
}

func (r *Redis) OnBlobComplete(peer string, imageId uint32, blob []byte) error {
	key := r.Key(peer, imageId)
	if err := r.Client.Set(key, blob, r.TTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	if r.Channel != "" {
		if err := r.Client.Publish(r.Channel, key).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", r.Channel, err)
		}
	}
	log.Debugf("stored image %d from %s in redis as %s", imageId, peer, key)
	return nil
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
