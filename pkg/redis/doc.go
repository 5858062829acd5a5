// Package redis connects to the Redis server backing the distributed lock
// service and exposes a probe for it.
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	locker := lock.NewRedis(client)
//
// Errors wrap the go-redis cause, so both the sentinel and the cause can be
// matched with errors.Is.
package redis
