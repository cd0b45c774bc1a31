package redis

import (
	"context"
	"fmt"
	"strings"

	rd "github.com/go-redis/redis/v9"
)

type baseDao struct {
	redisClient rd.UniversalClient
	namespace   string
}

func newBaseDao(conf Config) *baseDao {
	redisClient := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs: conf.Addrs,
	})
	return &baseDao{
		redisClient: redisClient,
		namespace:   conf.Namespace,
	}
}

func (bs *baseDao) getNamespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", bs.namespace, strings.Join(args, ":"))
}

func (bs *baseDao) nextId(ctx context.Context, entity string) (int64, error) {
	return bs.redisClient.Incr(ctx, bs.getNamespaceKey("seq", entity)).Result()
}
