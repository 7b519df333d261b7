package service

import (
	"sort"

	"agora/internal/models"
)

// CommentNode is a comment with its replies attached.
type CommentNode struct {
	*models.Comment
	Replies []*CommentNode `json:"replies"`
}

// BuildTree nests a post's flat comment list. Comments whose parent is
// missing from the list are treated as top-level. Siblings are ordered by
// creation time, then id.
func BuildTree(comments []*models.Comment) []*CommentNode {
	present := make(map[uint]bool, len(comments))
	for _, c := range comments {
		present[c.ID] = true
	}

	children := make(map[uint][]*models.Comment)
	var roots []*models.Comment
	for _, c := range comments {
		if c.IsTopLevel() || !present[*c.ParentID] {
			roots = append(roots, c)
			continue
		}
		children[*c.ParentID] = append(children[*c.ParentID], c)
	}

	var attach func(list []*models.Comment, level int) []*CommentNode
	attach = func(list []*models.Comment, level int) []*CommentNode {
		sortChronological(list)
		nodes := make([]*CommentNode, 0, len(list))
		for _, c := range list {
			node := &CommentNode{Comment: c, Replies: []*CommentNode{}}
			if level < models.MaxCommentDepth {
				node.Replies = attach(children[c.ID], level+1)
			}
			nodes = append(nodes, node)
		}
		return nodes
	}
	return attach(roots, 0)
}

func sortChronological(list []*models.Comment) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
