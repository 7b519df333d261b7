// Package seed populates a database with demo users, groups, posts, comment
// threads and conversations for local development. Everything is written
// through the services, so seeded data obeys the same rules as live traffic.
package seed

import (
	"context"
	"fmt"
	"log"

	"agora/internal/database"
	"agora/internal/featureflags"
	"agora/internal/models"
	"agora/internal/realtime"
	"agora/internal/repository"
	"agora/internal/service"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Options configuration for the seeder
type Options struct {
	NumUsers int
	// NumGroups group conversations are created with 3 to 6 members each.
	NumGroups int
	NumPosts  int
	// CommentsPerPost comments are spread over each post's reply tree.
	CommentsPerPost int
	// MessagesPerConversation messages go to every seeded direct pair and group.
	MessagesPerConversation int
	ShouldClean             bool
	// RandSeed makes a run reproducible; zero picks a random seed.
	RandSeed int64
}

// DefaultOptions is a small but fully connected data set.
func DefaultOptions() Options {
	return Options{
		NumUsers:                20,
		NumGroups:               4,
		NumPosts:                30,
		CommentsPerPost:         8,
		MessagesPerConversation: 6,
		ShouldClean:             true,
	}
}

// Result reports what a run created.
type Result struct {
	Users    []*models.User
	Groups   []*models.Group
	Posts    []*models.Post
	Comments int
	Messages int
}

// Seeder writes demo data through the repositories and services.
type Seeder struct {
	db    *gorm.DB
	opts  Options
	faker *gofakeit.Faker

	users    repository.UserRepository
	groups   repository.GroupRepository
	posts    repository.PostRepository
	comments *service.CommentService
	messages *service.MessageService
}

// NewSeeder binds a Seeder to db.
func NewSeeder(db *gorm.DB, opts Options) *Seeder {
	userRepo := repository.NewUserRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	postRepo := repository.NewPostRepository(db)

	// Nobody is connected while seeding, so live fan-out is a no-op and
	// every delivery falls through to persisted notifications.
	registry := realtime.NewRegistry(userRepo, nil)
	notifications := service.NewNotificationService(
		repository.NewNotificationRepository(db), registry, nil, featureflags.NewManager(""))

	return &Seeder{
		db:       db,
		opts:     opts,
		faker:    gofakeit.New(opts.RandSeed),
		users:    userRepo,
		groups:   groupRepo,
		posts:    postRepo,
		comments: service.NewCommentService(repository.NewCommentRepository(db), postRepo, notifications, realtime.NewTopicHub(registry), nil),
		messages: service.NewMessageService(repository.NewMessageRepository(db), groupRepo, userRepo, registry, notifications, nil),
	}
}

// Run seeds everything Options asks for.
func (s *Seeder) Run(ctx context.Context) (*Result, error) {
	if s.opts.NumUsers < 2 {
		return nil, fmt.Errorf("need at least 2 users, got %d", s.opts.NumUsers)
	}

	if s.opts.ShouldClean {
		if err := s.ClearAll(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear data: %w", err)
		}
	}

	res := &Result{}
	var err error

	if res.Users, err = s.seedUsers(ctx); err != nil {
		return nil, fmt.Errorf("failed to create users: %w", err)
	}
	log.Printf("✓ %d users created", len(res.Users))

	if res.Groups, err = s.seedGroups(ctx, res.Users); err != nil {
		return nil, fmt.Errorf("failed to create groups: %w", err)
	}
	log.Printf("✓ %d groups created", len(res.Groups))

	if res.Posts, err = s.seedPosts(ctx, res.Users); err != nil {
		return nil, fmt.Errorf("failed to create posts: %w", err)
	}
	log.Printf("✓ %d posts created", len(res.Posts))

	if res.Comments, err = s.seedComments(ctx, res.Users, res.Posts); err != nil {
		return nil, fmt.Errorf("failed to create comments: %w", err)
	}
	log.Printf("✓ %d comments created", res.Comments)

	if res.Messages, err = s.seedMessages(ctx, res.Users, res.Groups); err != nil {
		return nil, fmt.Errorf("failed to create messages: %w", err)
	}
	log.Printf("✓ %d messages created", res.Messages)

	return res, nil
}

// ClearAll deletes every row of every managed table, children first.
func (s *Seeder) ClearAll(ctx context.Context) error {
	log.Println("🗑️  Clearing existing data...")
	all := database.PersistentModels()
	tx := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	for i := len(all) - 1; i >= 0; i-- {
		if err := tx.Delete(all[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Seeder) seedUsers(ctx context.Context) ([]*models.User, error) {
	users := make([]*models.User, 0, s.opts.NumUsers)
	for i := 0; i < s.opts.NumUsers; i++ {
		// Suffix keeps usernames unique across a run.
		username := fmt.Sprintf("%s%d", s.faker.Username(), i)
		u := &models.User{
			Username:     username,
			Avatar:       fmt.Sprintf("https://i.pravatar.cc/150?u=%s", username),
			OnlineStatus: models.StatusOffline,
		}
		if err := s.users.Create(ctx, u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *Seeder) seedGroups(ctx context.Context, users []*models.User) ([]*models.Group, error) {
	groups := make([]*models.Group, 0, s.opts.NumGroups)
	for i := 0; i < s.opts.NumGroups; i++ {
		members := s.pickUsers(users, s.faker.Number(3, 6))
		g := &models.Group{
			Name:      s.faker.Company(),
			CreatedBy: members[0].ID,
		}
		for j, m := range members {
			role := models.GroupRoleMember
			if j == 0 {
				role = models.GroupRoleAdmin
			}
			g.Members = append(g.Members, models.GroupMember{UserID: m.ID, Role: role})
		}
		if err := s.groups.Create(ctx, g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (s *Seeder) seedPosts(ctx context.Context, users []*models.User) ([]*models.Post, error) {
	posts := make([]*models.Post, 0, s.opts.NumPosts)
	for i := 0; i < s.opts.NumPosts; i++ {
		p := &models.Post{
			AuthorID: s.randomUser(users).ID,
			Content:  s.faker.Paragraph(1, 3, 12, " "),
		}
		if err := s.posts.Create(ctx, p); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// seedComments builds a random reply tree per post. A new comment replies
// to an earlier one that still has room beneath the depth cap, or starts a
// new thread.
func (s *Seeder) seedComments(ctx context.Context, users []*models.User, posts []*models.Post) (int, error) {
	total := 0
	for _, post := range posts {
		var open []*models.Comment
		for i := 0; i < s.opts.CommentsPerPost; i++ {
			in := service.AddCommentInput{
				PostID:   post.ID,
				AuthorID: s.randomUser(users).ID,
				Text:     s.faker.Sentence(s.faker.Number(3, 14)),
			}
			if len(open) > 0 && s.faker.Number(0, 99) < 65 {
				parent := open[s.faker.Number(0, len(open)-1)]
				in.ParentID = &parent.ID
			}

			c, err := s.comments.AddComment(ctx, in)
			if err != nil {
				return total, err
			}
			total++
			if c.Depth < models.MaxCommentDepth {
				open = append(open, c)
			}
		}
	}
	return total, nil
}

// seedMessages fills a direct conversation between each pair of neighbors
// in users, then every group.
func (s *Seeder) seedMessages(ctx context.Context, users []*models.User, groups []*models.Group) (int, error) {
	total := 0
	for i := 0; i+1 < len(users); i++ {
		a, b := users[i], users[i+1]
		for n := 0; n < s.opts.MessagesPerConversation; n++ {
			from, to := a, b
			if n%2 == 1 {
				from, to = b, a
			}
			if _, err := s.messages.Send(ctx, service.SendMessageInput{
				SenderID:    from.ID,
				ReceiverID:  &to.ID,
				Content:     s.faker.HackerPhrase(),
				MessageType: models.MessageTypeText,
			}); err != nil {
				return total, err
			}
			total++
		}
	}

	for _, g := range groups {
		memberIDs := g.MemberIDs()
		for n := 0; n < s.opts.MessagesPerConversation; n++ {
			if _, err := s.messages.Send(ctx, service.SendMessageInput{
				SenderID:    memberIDs[s.faker.Number(0, len(memberIDs)-1)],
				GroupID:     &g.ID,
				Content:     s.faker.Sentence(s.faker.Number(4, 12)),
				MessageType: models.MessageTypeText,
			}); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}

func (s *Seeder) randomUser(users []*models.User) *models.User {
	return users[s.faker.Number(0, len(users)-1)]
}

// pickUsers returns n distinct users, or all of them when n exceeds the pool.
func (s *Seeder) pickUsers(users []*models.User, n int) []*models.User {
	if n > len(users) {
		n = len(users)
	}
	idx := make([]int, len(users))
	for i := range idx {
		idx[i] = i
	}
	s.faker.ShuffleInts(idx)

	picked := make([]*models.User, 0, n)
	for _, i := range idx[:n] {
		picked = append(picked, users[i])
	}
	return picked
}
