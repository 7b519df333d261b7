package seed

import (
	"context"
	"testing"

	"agora/internal/models"
	"agora/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallOptions() Options {
	return Options{
		NumUsers:                6,
		NumGroups:               2,
		NumPosts:                3,
		CommentsPerPost:         10,
		MessagesPerConversation: 2,
		ShouldClean:             true,
		RandSeed:                42,
	}
}

func TestSeeder_Run(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	opts := smallOptions()

	res, err := NewSeeder(db, opts).Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, res.Users, opts.NumUsers)
	assert.Len(t, res.Groups, opts.NumGroups)
	assert.Len(t, res.Posts, opts.NumPosts)
	assert.Equal(t, opts.NumPosts*opts.CommentsPerPost, res.Comments)
	// Five neighbor pairs plus two groups.
	assert.Equal(t, (opts.NumUsers-1+opts.NumGroups)*opts.MessagesPerConversation, res.Messages)

	var messages int64
	require.NoError(t, db.Model(&models.Message{}).Count(&messages).Error)
	assert.Equal(t, int64(res.Messages), messages)

	for _, g := range res.Groups {
		assert.GreaterOrEqual(t, len(g.Members), 3)
		var stored models.Group
		require.NoError(t, db.First(&stored, g.ID).Error)
		assert.Equal(t, opts.MessagesPerConversation, stored.MessageCount)
	}
}

func TestSeeder_CommentTreesRespectDepthAndCounts(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	_, err := NewSeeder(db, smallOptions()).Run(context.Background())
	require.NoError(t, err)

	var comments []models.Comment
	require.NoError(t, db.Find(&comments).Error)

	children := make(map[uint]int)
	byID := make(map[uint]models.Comment, len(comments))
	for _, c := range comments {
		byID[c.ID] = c
		if c.ParentID != nil {
			children[*c.ParentID]++
		}
	}

	for _, c := range comments {
		assert.LessOrEqual(t, c.Depth, models.MaxCommentDepth)
		assert.Equal(t, children[c.ID], c.ReplyCount, "reply count of comment %d", c.ID)
		if c.ParentID == nil {
			assert.Equal(t, 0, c.Depth)
			continue
		}
		parent := byID[*c.ParentID]
		assert.Equal(t, parent.Depth+1, c.Depth)
		assert.Equal(t, parent.PostID, c.PostID)
	}
}

func TestSeeder_CleanRunReplacesData(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	opts := smallOptions()

	_, err := NewSeeder(db, opts).Run(context.Background())
	require.NoError(t, err)

	opts.RandSeed = 7
	_, err = NewSeeder(db, opts).Run(context.Background())
	require.NoError(t, err)

	var users, posts int64
	require.NoError(t, db.Model(&models.User{}).Count(&users).Error)
	require.NoError(t, db.Model(&models.Post{}).Count(&posts).Error)
	assert.Equal(t, int64(opts.NumUsers), users)
	assert.Equal(t, int64(opts.NumPosts), posts)
}

func TestSeeder_RequiresTwoUsers(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	opts := smallOptions()
	opts.NumUsers = 1

	_, err := NewSeeder(db, opts).Run(context.Background())
	assert.Error(t, err)
}
