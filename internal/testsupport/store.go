// Package testsupport provides in-memory collaborators shared by package tests.
package testsupport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

// MemoryStore mirrors the Postgres store's editorial surface in memory.
// Set Fail[method] to make that method return the error.
type MemoryStore struct {
	mu sync.Mutex

	Fail map[string]error

	manuscripts   map[string]models.Manuscript
	authors       map[string][]string
	files         map[string][]models.ManuscriptFile
	assignments   map[string]models.ReviewAssignment
	releases      []models.WorkflowRelease
	users         map[string]models.User
	conversations map[string]models.Conversation
	participants  map[string][]string
	messages      []models.Message
	bots          map[string]models.BotInstall
	settings      map[string]any
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Fail:          map[string]error{},
		manuscripts:   map[string]models.Manuscript{},
		authors:       map[string][]string{},
		files:         map[string][]models.ManuscriptFile{},
		assignments:   map[string]models.ReviewAssignment{},
		users:         map[string]models.User{},
		conversations: map[string]models.Conversation{},
		participants:  map[string][]string{},
		bots:          map[string]models.BotInstall{},
		settings:      map[string]any{},
	}
}

func (s *MemoryStore) fail(method string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail[method]
}

// AddManuscript seeds a manuscript with optional author ids.
func (s *MemoryStore) AddManuscript(m models.Manuscript, authorIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.WorkflowRound == 0 {
		m.WorkflowRound = 1
	}
	s.manuscripts[m.ID] = m
	s.authors[m.ID] = append([]string(nil), authorIDs...)
}

// AddUser seeds a user.
func (s *MemoryStore) AddUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// AddAssignment seeds a review assignment.
func (s *MemoryStore) AddAssignment(a models.ReviewAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.assignments[a.ID] = a
}

// AddFile seeds a manuscript file.
func (s *MemoryStore) AddFile(f models.ManuscriptFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ManuscriptID] = append(s.files[f.ManuscriptID], f)
}

// AddConversation seeds a conversation.
func (s *MemoryStore) AddConversation(c models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
}

// AddMessage seeds a message.
func (s *MemoryStore) AddMessage(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// InstallBot seeds a bot install.
func (s *MemoryStore) InstallBot(b models.BotInstall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[b.BotID] = b
}

// SetSettings replaces the journal settings.
func (s *MemoryStore) SetSettings(v map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = v
}

// Releases returns the appended workflow release records.
func (s *MemoryStore) Releases() []models.WorkflowRelease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.WorkflowRelease(nil), s.releases...)
}

// Messages returns every message in a conversation in insertion order.
func (s *MemoryStore) Messages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

// Assignments returns every assignment on a manuscript.
func (s *MemoryStore) Assignments(manuscriptID string) []models.ReviewAssignment {
	out, _ := s.ListReviewAssignments(context.Background(), manuscriptID)
	return out
}

// Users returns every user.
func (s *MemoryStore) Users() []models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Conversations returns every conversation on a manuscript.
func (s *MemoryStore) Conversations(manuscriptID string) []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.ManuscriptID == manuscriptID {
			out = append(out, c)
		}
	}
	return out
}

func (s *MemoryStore) GetManuscript(_ context.Context, id string) (models.Manuscript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetManuscript"); err != nil {
		return models.Manuscript{}, err
	}
	m, ok := s.manuscripts[id]
	if !ok {
		return models.Manuscript{}, errs.NotFound("manuscript", id)
	}
	return m, nil
}

func (s *MemoryStore) CompareAndSetStatus(_ context.Context, id string, expectedVersion int64, status models.ManuscriptStatus, publishedAt *time.Time) (models.Manuscript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CompareAndSetStatus"); err != nil {
		return models.Manuscript{}, err
	}
	m, ok := s.manuscripts[id]
	if !ok {
		return models.Manuscript{}, errs.NotFound("manuscript", id)
	}
	if m.Version != expectedVersion {
		return models.Manuscript{}, errs.Conflict("manuscript %s changed concurrently", id)
	}
	m.Status = status
	if publishedAt != nil {
		m.PublishedAt = publishedAt
	}
	m.Version++
	m.UpdatedAt = time.Now().UTC()
	s.manuscripts[id] = m
	return m, nil
}

func (s *MemoryStore) ApplyPhaseTransition(_ context.Context, id string, expectedVersion int64, phase models.WorkflowPhase, round int, releasedAt *time.Time, record models.WorkflowRelease, requireReviewsComplete bool) (models.Manuscript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ApplyPhaseTransition"); err != nil {
		return models.Manuscript{}, err
	}
	m, ok := s.manuscripts[id]
	if !ok {
		return models.Manuscript{}, errs.NotFound("manuscript", id)
	}
	if m.Version != expectedVersion {
		return models.Manuscript{}, errs.Conflict("manuscript %s changed concurrently", id)
	}
	if requireReviewsComplete {
		outstanding := 0
		for _, a := range s.assignments {
			if a.ManuscriptID == id && a.Status.Outstanding() {
				outstanding++
			}
		}
		if outstanding > 0 {
			return models.Manuscript{}, errs.Validation("cannot release manuscript %s: %d review(s) not yet completed", id, outstanding)
		}
	}
	m.WorkflowPhase = phase
	m.WorkflowRound = round
	if releasedAt != nil {
		m.ReleasedAt = releasedAt
	}
	m.Version++
	s.manuscripts[id] = m
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	s.releases = append(s.releases, record)
	return m, nil
}

func (s *MemoryStore) ListWorkflowReleases(_ context.Context, manuscriptID string) ([]models.WorkflowRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WorkflowRelease
	for _, r := range s.releases {
		if r.ManuscriptID == manuscriptID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetActionEditor(_ context.Context, manuscriptID, editorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SetActionEditor"); err != nil {
		return err
	}
	m, ok := s.manuscripts[manuscriptID]
	if !ok {
		return errs.NotFound("manuscript", manuscriptID)
	}
	m.ActionEditorID = &editorID
	s.manuscripts[manuscriptID] = m
	return nil
}

func (s *MemoryStore) ListManuscriptFiles(_ context.Context, manuscriptID string) ([]models.ManuscriptFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListManuscriptFiles"); err != nil {
		return nil, err
	}
	return append([]models.ManuscriptFile(nil), s.files[manuscriptID]...), nil
}

func (s *MemoryStore) ManuscriptAuthors(_ context.Context, manuscriptID string) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ManuscriptAuthors"); err != nil {
		return nil, err
	}
	var out []models.User
	for _, id := range s.authors[manuscriptID] {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *MemoryStore) ManuscriptReviewers(_ context.Context, manuscriptID string) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ManuscriptReviewers"); err != nil {
		return nil, err
	}
	var out []models.User
	for _, a := range s.assignments {
		if a.ManuscriptID != manuscriptID || !a.Status.Active() {
			continue
		}
		if u, ok := s.users[a.ReviewerID]; ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListReviewAssignments(_ context.Context, manuscriptID string) ([]models.ReviewAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListReviewAssignments"); err != nil {
		return nil, err
	}
	var out []models.ReviewAssignment
	for _, a := range s.assignments {
		if a.ManuscriptID == manuscriptID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetReviewAssignment(_ context.Context, id string) (models.ReviewAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return models.ReviewAssignment{}, errs.NotFound("review assignment", id)
	}
	return a, nil
}

func (s *MemoryStore) CreateReviewAssignment(_ context.Context, a models.ReviewAssignment) (models.ReviewAssignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateReviewAssignment"); err != nil {
		return models.ReviewAssignment{}, false, err
	}
	for _, existing := range s.assignments {
		if existing.ManuscriptID == a.ManuscriptID && existing.ReviewerID == a.ReviewerID {
			return existing, false, nil
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.assignments[a.ID] = a
	return a, true, nil
}

func (s *MemoryStore) UpdateReviewAssignment(_ context.Context, a models.ReviewAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateReviewAssignment"); err != nil {
		return err
	}
	if _, ok := s.assignments[a.ID]; !ok {
		return errs.NotFound("review assignment", a.ID)
	}
	s.assignments[a.ID] = a
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetUser"); err != nil {
		return models.User{}, err
	}
	u, ok := s.users[id]
	if !ok {
		return models.User{}, errs.NotFound("user", id)
	}
	return u, nil
}

func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, true, nil
		}
	}
	return models.User{}, false, nil
}

func (s *MemoryStore) UsernameTaken(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u models.User) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateUser"); err != nil {
		return models.User{}, err
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return existing, nil
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetConversation"); err != nil {
		return models.Conversation{}, err
	}
	c, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, errs.NotFound("conversation", id)
	}
	return c, nil
}

func (s *MemoryStore) PrimaryConversation(_ context.Context, manuscriptID string) (models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("PrimaryConversation"); err != nil {
		return models.Conversation{}, false, err
	}
	var found *models.Conversation
	for _, c := range s.conversations {
		if c.ManuscriptID != manuscriptID {
			continue
		}
		c := c
		if found == nil || c.CreatedAt.Before(found.CreatedAt) || (c.CreatedAt.Equal(found.CreatedAt) && c.ID < found.ID) {
			found = &c
		}
	}
	if found == nil {
		return models.Conversation{}, false, nil
	}
	return *found, true, nil
}

func (s *MemoryStore) FindConversationByTitle(_ context.Context, manuscriptID, title string) (models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.ManuscriptID == manuscriptID && c.Title == title {
			return c, true, nil
		}
	}
	return models.Conversation{}, false, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, c models.Conversation, participantIDs []string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateConversation"); err != nil {
		return models.Conversation{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.conversations[c.ID] = c
	s.participants[c.ID] = append([]string(nil), participantIDs...)
	return c, nil
}

func (s *MemoryStore) CountMessages(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CountMessages"); err != nil {
		return 0, err
	}
	n := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return models.Message{}, errs.NotFound("message", id)
}

func (s *MemoryStore) CreateMessage(_ context.Context, m models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateMessage"); err != nil {
		return models.Message{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *MemoryStore) GetBotInstall(_ context.Context, botID string) (models.BotInstall, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetBotInstall"); err != nil {
		return models.BotInstall{}, false, err
	}
	b, ok := s.bots[botID]
	return b, ok, nil
}

func (s *MemoryStore) UpsertBotInstall(_ context.Context, b models.BotInstall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[b.BotID] = b
	return nil
}

func (s *MemoryStore) JournalSettings(_ context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("JournalSettings"); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}
