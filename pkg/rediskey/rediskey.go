package rediskey

import "fmt"

// Lock keys (global convention across services)
const (
	LockPrefix           = "lock"
	RetrySweepLockPrefix = "lock:retry:sweep"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLockKey returns "lock:{name}"
func BuildLockKey(name string) string {
	return NamespaceKey(LockPrefix, name)
}

// BuildRetrySweepLockKey returns "lock:retry:sweep:{shard}"
func BuildRetrySweepLockKey(shard string) string {
	return NamespaceKey(RetrySweepLockPrefix, shard)
}
