package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

const manuscriptColumns = `id, title, abstract, status, workflow_phase, workflow_round, action_editor_id, released_at, published_at, version, submitted_at, updated_at`

func scanManuscript(row pgx.Row) (models.Manuscript, error) {
	var m models.Manuscript
	var abstract, editor pgtype.Text
	var released, published pgtype.Timestamptz
	var status, phase string
	if err := row.Scan(&m.ID, &m.Title, &abstract, &status, &phase, &m.WorkflowRound, &editor, &released, &published, &m.Version, &m.SubmittedAt, &m.UpdatedAt); err != nil {
		return models.Manuscript{}, err
	}
	m.Abstract = abstract.String
	m.Status = models.ManuscriptStatus(status)
	m.WorkflowPhase = models.WorkflowPhase(phase)
	m.ActionEditorID = textPtr(editor)
	m.ReleasedAt = timePtr(released)
	m.PublishedAt = timePtr(published)
	return m, nil
}

// GetManuscript fetches one manuscript.
func (s *Store) GetManuscript(ctx context.Context, id string) (models.Manuscript, error) {
	m, err := scanManuscript(s.pool.QueryRow(ctx, `SELECT `+manuscriptColumns+` FROM manuscripts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Manuscript{}, errs.NotFound("manuscript", id)
	}
	if err != nil {
		return models.Manuscript{}, fmt.Errorf("scan manuscript: %w", err)
	}
	return m, nil
}

// CompareAndSetStatus writes status only when the stored version still equals expectedVersion.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expectedVersion int64, status models.ManuscriptStatus, publishedAt *time.Time) (models.Manuscript, error) {
	m, err := scanManuscript(s.pool.QueryRow(ctx, `
		UPDATE manuscripts
		SET status = $3, published_at = COALESCE($4, published_at), version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING `+manuscriptColumns,
		id, expectedVersion, string(status), publishedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Manuscript{}, s.casMiss(ctx, id)
	}
	if err != nil {
		return models.Manuscript{}, fmt.Errorf("update manuscript status: %w", err)
	}
	return m, nil
}

// ApplyPhaseTransition updates phase and round and appends the release row in one transaction.
// With requireReviewsComplete the manuscript row and its assignments are locked
// and counted inside the transaction, so a reviewer accepted after the caller's
// own check still blocks the release.
func (s *Store) ApplyPhaseTransition(ctx context.Context, id string, expectedVersion int64, phase models.WorkflowPhase, round int, releasedAt *time.Time, record models.WorkflowRelease, requireReviewsComplete bool) (models.Manuscript, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Manuscript{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if requireReviewsComplete {
		if err := outstandingReviews(ctx, tx, id); err != nil {
			return models.Manuscript{}, err
		}
	}

	m, err := scanManuscript(tx.QueryRow(ctx, `
		UPDATE manuscripts
		SET workflow_phase = $3, workflow_round = $4, released_at = COALESCE($5, released_at), version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING `+manuscriptColumns,
		id, expectedVersion, string(phase), round, releasedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Manuscript{}, s.casMiss(ctx, id)
	}
	if err != nil {
		return models.Manuscript{}, fmt.Errorf("update manuscript phase: %w", err)
	}

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO workflow_releases (id, manuscript_id, round, phase, released_by, decision_type, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, record.ManuscriptID, record.Round, string(record.Phase), record.ReleasedBy, record.DecisionType, record.Notes, record.CreatedAt); err != nil {
		return models.Manuscript{}, fmt.Errorf("insert workflow release: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Manuscript{}, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// outstandingReviews fails when any active assignment is still unsubmitted. The
// manuscript row lock blocks new assignment inserts through their foreign key
// and FOR SHARE blocks status updates on existing ones until commit.
func outstandingReviews(ctx context.Context, tx pgx.Tx, manuscriptID string) error {
	if _, err := tx.Exec(ctx, `SELECT 1 FROM manuscripts WHERE id = $1 FOR UPDATE`, manuscriptID); err != nil {
		return fmt.Errorf("lock manuscript: %w", err)
	}
	rows, err := tx.Query(ctx, `SELECT status FROM review_assignments WHERE manuscript_id = $1 FOR SHARE`, manuscriptID)
	if err != nil {
		return fmt.Errorf("lock review assignments: %w", err)
	}
	statuses, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scan review assignments: %w", err)
	}
	outstanding := 0
	for _, st := range statuses {
		if models.ReviewStatus(st).Outstanding() {
			outstanding++
		}
	}
	if outstanding > 0 {
		return errs.Validation("cannot release manuscript %s: %d review(s) not yet completed", manuscriptID, outstanding)
	}
	return nil
}

func (s *Store) casMiss(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM manuscripts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check manuscript: %w", err)
	}
	if !exists {
		return errs.NotFound("manuscript", id)
	}
	return errs.Conflict("manuscript %s changed concurrently", id)
}

// ListWorkflowReleases returns a manuscript's release audit trail, oldest first.
func (s *Store) ListWorkflowReleases(ctx context.Context, manuscriptID string) ([]models.WorkflowRelease, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, manuscript_id, round, phase, released_by, decision_type, notes, created_at
		FROM workflow_releases WHERE manuscript_id = $1 ORDER BY created_at, id
	`, manuscriptID)
	if err != nil {
		return nil, fmt.Errorf("query workflow releases: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.WorkflowRelease, error) {
		var r models.WorkflowRelease
		var phase string
		err := row.Scan(&r.ID, &r.ManuscriptID, &r.Round, &phase, &r.ReleasedBy, &r.DecisionType, &r.Notes, &r.CreatedAt)
		r.Phase = models.WorkflowPhase(phase)
		return r, err
	})
}

// SetActionEditor records the handling editor of a manuscript.
func (s *Store) SetActionEditor(ctx context.Context, manuscriptID, editorID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE manuscripts SET action_editor_id = $2, updated_at = NOW() WHERE id = $1`, manuscriptID, editorID)
	if err != nil {
		return fmt.Errorf("set action editor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("manuscript", manuscriptID)
	}
	return nil
}

// ListManuscriptFiles returns the files attached to a manuscript.
func (s *Store) ListManuscriptFiles(ctx context.Context, manuscriptID string) ([]models.ManuscriptFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, manuscript_id, filename, file_type, mime_type, size, storage_key, uploaded_at
		FROM manuscript_files WHERE manuscript_id = $1 ORDER BY uploaded_at, id
	`, manuscriptID)
	if err != nil {
		return nil, fmt.Errorf("query manuscript files: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ManuscriptFile, error) {
		var f models.ManuscriptFile
		err := row.Scan(&f.ID, &f.ManuscriptID, &f.Filename, &f.FileType, &f.MimeType, &f.Size, &f.StorageKey, &f.UploadedAt)
		return f, err
	})
}

const userColumns = `u.id, u.email, u.username, u.name, u.role, u.is_bot, u.created_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.Name, &role, &u.IsBot, &u.CreatedAt); err != nil {
		return models.User{}, err
	}
	u.Role = models.Role(role)
	return u, nil
}

func (s *Store) queryUsers(ctx context.Context, sql string, args ...any) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.User, error) { return scanUser(row) })
}

// ManuscriptAuthors lists the authors of a manuscript in author order.
func (s *Store) ManuscriptAuthors(ctx context.Context, manuscriptID string) ([]models.User, error) {
	return s.queryUsers(ctx, `
		SELECT `+userColumns+` FROM manuscript_authors a JOIN users u ON u.id = a.user_id
		WHERE a.manuscript_id = $1 ORDER BY a.position
	`, manuscriptID)
}

// ManuscriptReviewers lists reviewers whose assignment is accepted, in progress or completed.
func (s *Store) ManuscriptReviewers(ctx context.Context, manuscriptID string) ([]models.User, error) {
	return s.queryUsers(ctx, `
		SELECT `+userColumns+` FROM review_assignments r JOIN users u ON u.id = r.reviewer_id
		WHERE r.manuscript_id = $1 AND r.status IN ('ACCEPTED', 'IN_PROGRESS', 'COMPLETED')
		ORDER BY u.id
	`, manuscriptID)
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, errs.NotFound("user", id)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// FindUserByEmail looks a user up case-insensitively.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (models.User, bool, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE lower(u.email) = lower($1)`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, false, nil
	}
	if err != nil {
		return models.User{}, false, fmt.Errorf("scan user: %w", err)
	}
	return u, true, nil
}

// UsernameTaken reports whether username is already in use.
func (s *Store) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var taken bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username).Scan(&taken); err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return taken, nil
}

// CreateUser inserts a user. A concurrent insert of the same email returns the existing row.
func (s *Store) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, username, name, role, is_bot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Email, u.Username, u.Name, string(u.Role), u.IsBot, u.CreatedAt)
	if isUniqueViolation(err) {
		existing, found, ferr := s.FindUserByEmail(ctx, u.Email)
		if ferr != nil {
			return models.User{}, ferr
		}
		if found {
			return existing, nil
		}
		return models.User{}, errs.Conflict("username %s already taken", u.Username)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

const assignmentColumns = `id, manuscript_id, reviewer_id, status, due_date, assigned_at, completed_at, review_content, recommendation, confidential_comments, score, response_message, last_reminder_at`

func scanAssignment(row pgx.Row) (models.ReviewAssignment, error) {
	var a models.ReviewAssignment
	var status string
	var due, completed, reminded pgtype.Timestamptz
	var score pgtype.Int4
	if err := row.Scan(&a.ID, &a.ManuscriptID, &a.ReviewerID, &status, &due, &a.AssignedAt, &completed, &a.ReviewContent, &a.Recommendation, &a.ConfidentialComments, &score, &a.ResponseMessage, &reminded); err != nil {
		return models.ReviewAssignment{}, err
	}
	a.Status = models.ReviewStatus(status)
	a.DueDate = timePtr(due)
	a.CompletedAt = timePtr(completed)
	a.LastReminderAt = timePtr(reminded)
	if score.Valid {
		v := int(score.Int32)
		a.Score = &v
	}
	return a, nil
}

// ListReviewAssignments returns every assignment on a manuscript.
func (s *Store) ListReviewAssignments(ctx context.Context, manuscriptID string) ([]models.ReviewAssignment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM review_assignments WHERE manuscript_id = $1 ORDER BY id`, manuscriptID)
	if err != nil {
		return nil, fmt.Errorf("query review assignments: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ReviewAssignment, error) { return scanAssignment(row) })
}

// GetReviewAssignment fetches one assignment.
func (s *Store) GetReviewAssignment(ctx context.Context, id string) (models.ReviewAssignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM review_assignments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReviewAssignment{}, errs.NotFound("review assignment", id)
	}
	if err != nil {
		return models.ReviewAssignment{}, fmt.Errorf("scan review assignment: %w", err)
	}
	return a, nil
}

// CreateReviewAssignment inserts an assignment unless one already exists for the
// manuscript and reviewer, in which case the existing row is returned with created=false.
func (s *Store) CreateReviewAssignment(ctx context.Context, a models.ReviewAssignment) (models.ReviewAssignment, bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO review_assignments (id, manuscript_id, reviewer_id, status, due_date, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (manuscript_id, reviewer_id) DO NOTHING
	`, a.ID, a.ManuscriptID, a.ReviewerID, string(a.Status), a.DueDate, a.AssignedAt)
	if err != nil {
		return models.ReviewAssignment{}, false, fmt.Errorf("insert review assignment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return a, true, nil
	}
	existing, err := scanAssignment(s.pool.QueryRow(ctx, `
		SELECT `+assignmentColumns+` FROM review_assignments WHERE manuscript_id = $1 AND reviewer_id = $2
	`, a.ManuscriptID, a.ReviewerID))
	if err != nil {
		return models.ReviewAssignment{}, false, fmt.Errorf("scan review assignment: %w", err)
	}
	return existing, false, nil
}

// UpdateReviewAssignment overwrites the mutable assignment fields.
func (s *Store) UpdateReviewAssignment(ctx context.Context, a models.ReviewAssignment) error {
	var score *int32
	if a.Score != nil {
		v := int32(*a.Score)
		score = &v
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE review_assignments
		SET status = $2, due_date = $3, completed_at = $4, review_content = $5, recommendation = $6,
		    confidential_comments = $7, score = $8, response_message = $9, last_reminder_at = $10
		WHERE id = $1
	`, a.ID, string(a.Status), a.DueDate, a.CompletedAt, a.ReviewContent, a.Recommendation,
		a.ConfidentialComments, score, a.ResponseMessage, a.LastReminderAt)
	if err != nil {
		return fmt.Errorf("update review assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("review assignment", a.ID)
	}
	return nil
}

const conversationColumns = `id, manuscript_id, title, type, privacy, created_at`

func scanConversation(row pgx.Row) (models.Conversation, error) {
	var c models.Conversation
	var privacy string
	if err := row.Scan(&c.ID, &c.ManuscriptID, &c.Title, &c.Type, &privacy, &c.CreatedAt); err != nil {
		return models.Conversation{}, err
	}
	c.Privacy = models.Visibility(privacy)
	return c, nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Conversation{}, errs.NotFound("conversation", id)
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	return c, nil
}

// PrimaryConversation returns the oldest conversation on a manuscript.
func (s *Store) PrimaryConversation(ctx context.Context, manuscriptID string) (models.Conversation, bool, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE manuscript_id = $1 ORDER BY created_at, id LIMIT 1
	`, manuscriptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Conversation{}, false, nil
	}
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("scan conversation: %w", err)
	}
	return c, true, nil
}

// FindConversationByTitle finds a conversation on a manuscript by exact title.
func (s *Store) FindConversationByTitle(ctx context.Context, manuscriptID, title string) (models.Conversation, bool, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE manuscript_id = $1 AND title = $2 ORDER BY created_at LIMIT 1
	`, manuscriptID, title))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Conversation{}, false, nil
	}
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("scan conversation: %w", err)
	}
	return c, true, nil
}

// CreateConversation inserts a conversation and its participants in one transaction.
func (s *Store) CreateConversation(ctx context.Context, c models.Conversation, participantIDs []string) (models.Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, manuscript_id, title, type, privacy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.ManuscriptID, c.Title, c.Type, string(c.Privacy), c.CreatedAt); err != nil {
		return models.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	batch := &pgx.Batch{}
	for _, uid := range participantIDs {
		batch.Queue(`
			INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, c.ID, uid)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return models.Conversation{}, fmt.Errorf("insert participants: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Conversation{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// CountMessages counts the messages in a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// GetMessage fetches a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var m models.Message
	var privacy string
	var parent pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, author_id, content, privacy, parent_id, is_bot, created_at
		FROM messages WHERE id = $1
	`, id).Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Content, &privacy, &parent, &m.IsBot, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, errs.NotFound("message", id)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Privacy = models.Visibility(privacy)
	m.ParentID = textPtr(parent)
	return m, nil
}

// CreateMessage inserts a message.
func (s *Store) CreateMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, author_id, content, privacy, parent_id, is_bot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.ConversationID, m.AuthorID, m.Content, string(m.Privacy), m.ParentID, m.IsBot, m.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// GetBotInstall returns the install record for a bot, if any.
func (s *Store) GetBotInstall(ctx context.Context, botID string) (models.BotInstall, bool, error) {
	var b models.BotInstall
	var user pgtype.Text
	var cfg []byte
	err := s.pool.QueryRow(ctx, `
		SELECT bot_id, enabled, user_id, config, updated_at FROM bot_installs WHERE bot_id = $1
	`, botID).Scan(&b.BotID, &b.Enabled, &user, &cfg, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BotInstall{}, false, nil
	}
	if err != nil {
		return models.BotInstall{}, false, fmt.Errorf("scan bot install: %w", err)
	}
	b.UserID = user.String
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &b.Config); err != nil {
			return models.BotInstall{}, false, fmt.Errorf("unmarshal bot config: %w", err)
		}
	}
	return b, true, nil
}

// UpsertBotInstall creates or replaces an install record.
func (s *Store) UpsertBotInstall(ctx context.Context, b models.BotInstall) error {
	cfg, err := json.Marshal(b.Config)
	if err != nil {
		return fmt.Errorf("marshal bot config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bot_installs (bot_id, enabled, user_id, config, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NOW())
		ON CONFLICT (bot_id) DO UPDATE
		SET enabled = EXCLUDED.enabled, user_id = EXCLUDED.user_id, config = EXCLUDED.config, updated_at = NOW()
	`, b.BotID, b.Enabled, b.UserID, cfg)
	if err != nil {
		return fmt.Errorf("upsert bot install: %w", err)
	}
	return nil
}

// JournalSettings returns the singleton journal settings document.
func (s *Store) JournalSettings(ctx context.Context) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT settings FROM journal_settings WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query journal settings: %w", err)
	}
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("unmarshal journal settings: %w", err)
		}
	}
	return out, nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
