package cache

import (
	"context"
	"fmt"
	"time"
)

const (
	GroupKeyPrefix = "group:%d"
	PostKeyPrefix  = "post:%d"
)

const (
	GroupTTL = 5 * time.Minute
	PostTTL  = 30 * time.Minute
)

func GroupKey(groupID uint) string {
	return fmt.Sprintf(GroupKeyPrefix, groupID)
}

func PostKey(postID uint) string {
	return fmt.Sprintf(PostKeyPrefix, postID)
}

func Invalidate(ctx context.Context, key string) {
	if client != nil {
		client.Del(ctx, key)
	}
}

// InvalidateGroup drops the cached group and its member list.
func InvalidateGroup(ctx context.Context, groupID uint) {
	Invalidate(ctx, GroupKey(groupID))
}
