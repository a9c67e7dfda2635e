package redis

import "errors"

// ErrClientRequired reports that the store was built without a redis
// client.
var ErrClientRequired = errors.New("redis client is required")
