package presence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-dispatch/internal/models"
)

const (
	onlineKey     = "presence:online"
	sessionPrefix = "session:"
)

func MetaKey(id string) string { return "presence:meta:" + id }

// RedisDirectory implements Directory with a set of online worker ids, a GEO
// key for positions and a metadata hash per user.
type RedisDirectory struct {
	client *redis.Client
	geoKey string
}

func NewRedisDirectory(client *redis.Client, geoKey string) *RedisDirectory {
	if geoKey == "" {
		geoKey = "presence:geo"
	}
	return &RedisDirectory{client: client, geoKey: geoKey}
}

func (r *RedisDirectory) SetOnline(ctx context.Context, workerID string, online bool) error {
	pipe := r.client.TxPipeline()
	if online {
		pipe.SAdd(ctx, onlineKey, workerID)
	} else {
		pipe.SRem(ctx, onlineKey, workerID)
	}
	pipe.HSet(ctx, MetaKey(workerID), "online", online, "updated", time.Now().Format(time.RFC3339))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisDirectory) IsOnline(ctx context.Context, workerID string) (bool, error) {
	return r.client.SIsMember(ctx, onlineKey, workerID).Result()
}

func (r *RedisDirectory) OnlineWorkers(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, onlineKey).Result()
}

func (r *RedisDirectory) UpdateLocation(ctx context.Context, userID string, loc models.Coord) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: userID})
	pipe.HSet(ctx, MetaKey(userID), "updated", time.Now().Format(time.RFC3339))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisDirectory) Location(ctx context.Context, userID string) (models.Coord, bool, error) {
	res, err := r.client.GeoPos(ctx, r.geoKey, userID).Result()
	if err != nil {
		return models.Coord{}, false, err
	}
	if len(res) == 0 || res[0] == nil {
		return models.Coord{}, false, nil
	}
	return models.Coord{Lat: res[0].Latitude, Lon: res[0].Longitude}, true, nil
}

// RedisSessions stores token -> user id with a TTL.
type RedisSessions struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessions(client *redis.Client, ttl time.Duration) *RedisSessions {
	return &RedisSessions{client: client, ttl: ttl}
}

func (r *RedisSessions) Issue(ctx context.Context, userID string) (string, error) {
	tok := uuid.NewString()
	if err := r.client.Set(ctx, sessionPrefix+tok, userID, r.ttl).Err(); err != nil {
		return "", err
	}
	return tok, nil
}

func (r *RedisSessions) Resolve(ctx context.Context, token string) (string, error) {
	uid, err := r.client.Get(ctx, sessionPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownSession
	}
	return uid, err
}

func (r *RedisSessions) Revoke(ctx context.Context, token string) error {
	return r.client.Del(ctx, sessionPrefix+token).Err()
}
