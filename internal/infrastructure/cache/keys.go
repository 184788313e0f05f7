package cache

import "fmt"

const keyPrefix = "cache"

// EntityKey is the key of a single cached entity: cache:{type}:{id}.
func EntityKey(entityType string, id int64) string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, entityType, id)
}

// ListKey is the key of a cached list: cache:{type}:list:{listKey}.
func ListKey(entityType, listKey string) string {
	return fmt.Sprintf("%s:%s:list:%s", keyPrefix, entityType, listKey)
}

// ListPattern matches every cached list of an entity type.
func ListPattern(entityType string) string {
	return fmt.Sprintf("%s:%s:list:*", keyPrefix, entityType)
}

// PageKey encodes pagination parameters into a list key.
func PageKey(start, limit int) string {
	return fmt.Sprintf("page_%d_limit_%d", start, limit)
}
