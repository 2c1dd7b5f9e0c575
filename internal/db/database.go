package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrStoryNotFound is returned when an operation references a story that does
// not exist (or was deleted concurrently).
var ErrStoryNotFound = errors.New("story not found")

type Database struct {
	db *sql.DB
}

type Story struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Genre           string       `json:"genre"`
	InitialPrompt   string       `json:"initial_prompt"`
	CreatedBy       string       `json:"created_by"`
	IsPublic        bool         `json:"is_public"`
	MaxContributors int          `json:"max_contributors"`
	CurrentState    string       `json:"current_state"`
	WordCount       int          `json:"word_count"`
	IsCompleted     bool         `json:"is_completed"`
	IsArchived      bool         `json:"is_archived"`
	ArchivedAt      sql.NullTime `json:"-"`
	ArchiveReason   string       `json:"archive_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

type StoryNode struct {
	ID          int64     `json:"id"`
	StoryID     string    `json:"story_id"`
	Content     string    `json:"content"`
	Author      string    `json:"author"`
	ParentID    int64     `json:"parent_id,omitempty"`
	AIGenerated bool      `json:"ai_generated"`
	WordCount   int       `json:"word_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type Comment struct {
	ID         int64     `json:"id"`
	StoryID    string    `json:"story_id"`
	NodeID     int64     `json:"node_id,omitempty"`
	Author     string    `json:"author"`
	Content    string    `json:"content"`
	IsResolved bool      `json:"is_resolved"`
	CreatedAt  time.Time `json:"created_at"`
}

// WritingSession is the durable presence record, one per (story, user).
type WritingSession struct {
	StoryID       string    `json:"story_id"`
	UserName      string    `json:"user"`
	IsActive      bool      `json:"is_active"`
	JoinedAt      time.Time `json:"joined_at"`
	LastActivity  time.Time `json:"last_activity"`
	CurrentNodeID int64     `json:"current_node_id,omitempty"`
}

// Contribution holds per-(story, user) authorship counters. Counters only
// ever increase.
type Contribution struct {
	StoryID           string    `json:"story_id"`
	UserName          string    `json:"user"`
	NodesCreated      int       `json:"nodes_created"`
	WordsContributed  int       `json:"words_contributed"`
	FirstContribution time.Time `json:"first_contribution"`
	LastContribution  time.Time `json:"last_contribution"`
}

type AIPrompt struct {
	ID            int64        `json:"id"`
	StoryID       string       `json:"story_id"`
	PromptType    string       `json:"prompt_type"`
	GeneratedText string       `json:"generated_text"`
	Context       string       `json:"context"`
	Used          bool         `json:"used"`
	UsedAt        sql.NullTime `json:"-"`
	CreatedAt     time.Time    `json:"created_at"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// foreign_keys is per-connection, so it has to ride the DSN to cover
	// every pooled connection.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	logrus.WithField("path", dbPath).Info("Database initialized")
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		genre TEXT NOT NULL DEFAULT 'other',
		initial_prompt TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		is_public BOOLEAN DEFAULT TRUE,
		max_contributors INTEGER DEFAULT 10,
		current_state TEXT NOT NULL DEFAULT '',
		word_count INTEGER DEFAULT 0,
		is_completed BOOLEAN DEFAULT FALSE,
		is_archived BOOLEAN DEFAULT FALSE,
		archived_at DATETIME,
		archive_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS story_nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		story_id TEXT NOT NULL,
		content TEXT NOT NULL,
		author TEXT NOT NULL,
		parent_id INTEGER DEFAULT 0,
		ai_generated BOOLEAN DEFAULT FALSE,
		word_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (story_id) REFERENCES stories(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_story_nodes_story_id ON story_nodes(story_id);
	CREATE INDEX IF NOT EXISTS idx_story_nodes_created_at ON story_nodes(story_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS writing_sessions (
		story_id TEXT NOT NULL,
		user_name TEXT NOT NULL,
		is_active BOOLEAN DEFAULT TRUE,
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_activity DATETIME DEFAULT CURRENT_TIMESTAMP,
		current_node_id INTEGER DEFAULT 0,
		PRIMARY KEY (story_id, user_name),
		FOREIGN KEY (story_id) REFERENCES stories(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS contributions (
		story_id TEXT NOT NULL,
		user_name TEXT NOT NULL,
		nodes_created INTEGER DEFAULT 0,
		words_contributed INTEGER DEFAULT 0,
		first_contribution DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_contribution DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (story_id, user_name),
		FOREIGN KEY (story_id) REFERENCES stories(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS story_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		story_id TEXT NOT NULL,
		node_id INTEGER DEFAULT 0,
		author TEXT NOT NULL,
		content TEXT NOT NULL,
		is_resolved BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (story_id) REFERENCES stories(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_story_comments_story_id ON story_comments(story_id);

	CREATE TABLE IF NOT EXISTS ai_prompts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		story_id TEXT NOT NULL,
		prompt_type TEXT NOT NULL,
		generated_text TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		used BOOLEAN DEFAULT FALSE,
		used_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (story_id) REFERENCES stories(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_ai_prompts_story_id ON ai_prompts(story_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// CountWords is the word-count rule applied to every node on insert.
func CountWords(content string) int {
	return len(strings.Fields(content))
}

// Story operations

func (d *Database) CreateStory(s *Story) error {
	if s.Genre == "" {
		s.Genre = "other"
	}
	if s.MaxContributors == 0 {
		s.MaxContributors = 10
	}
	_, err := d.db.Exec(`
		INSERT INTO stories (id, title, genre, initial_prompt, created_by, is_public, max_contributors)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Title, s.Genre, s.InitialPrompt, s.CreatedBy, s.IsPublic, s.MaxContributors)
	return err
}

func scanStory(row interface{ Scan(...any) error }) (*Story, error) {
	var s Story
	err := row.Scan(&s.ID, &s.Title, &s.Genre, &s.InitialPrompt, &s.CreatedBy, &s.IsPublic,
		&s.MaxContributors, &s.CurrentState, &s.WordCount, &s.IsCompleted,
		&s.IsArchived, &s.ArchivedAt, &s.ArchiveReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const storyColumns = `id, title, genre, initial_prompt, created_by, is_public,
	max_contributors, current_state, word_count, is_completed,
	is_archived, archived_at, archive_reason, created_at, updated_at`

func (d *Database) GetStory(id string) (*Story, error) {
	row := d.db.QueryRow("SELECT "+storyColumns+" FROM stories WHERE id = ?", id)
	story, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return story, nil
}

// StoryExists is the existence check performed once before any room is created.
func (d *Database) StoryExists(id string) (bool, error) {
	var one int
	err := d.db.QueryRow("SELECT 1 FROM stories WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Database) ListStories(limit, offset int, includeArchived bool) ([]Story, error) {
	query := "SELECT " + storyColumns + " FROM stories"
	if !includeArchived {
		query += " WHERE is_archived = FALSE"
	}
	query += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"

	rows, err := d.db.Query(query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stories []Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, *s)
	}
	return stories, rows.Err()
}

func (d *Database) ArchiveStory(id, reason string) error {
	res, err := d.db.Exec(`
		UPDATE stories
		SET is_archived = TRUE, archived_at = CURRENT_TIMESTAMP, archive_reason = ?
		WHERE id = ?
	`, reason, id)
	if err != nil {
		return err
	}
	return mustAffectStory(res)
}

func (d *Database) UnarchiveStory(id string) error {
	res, err := d.db.Exec(`
		UPDATE stories
		SET is_archived = FALSE, archived_at = NULL, archive_reason = ''
		WHERE id = ?
	`, id)
	if err != nil {
		return err
	}
	return mustAffectStory(res)
}

func (d *Database) DeleteStory(id string) error {
	_, err := d.db.Exec("DELETE FROM stories WHERE id = ?", id)
	return err
}

func mustAffectStory(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStoryNotFound
	}
	return nil
}

// Node operations

// CreateNode inserts a story node and keeps the derived records in step:
// the story's current state and word count, the author's contribution
// counters, and the author's active writing session pointer.
func (d *Database) CreateNode(storyID, content, author string, parentID int64, aiGenerated bool) (*StoryNode, error) {
	exists, err := d.StoryExists(storyID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrStoryNotFound
	}

	wordCount := CountWords(content)

	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO story_nodes (story_id, content, author, parent_id, ai_generated, word_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, storyID, content, author, parentID, aiGenerated, wordCount)
	if err != nil {
		return nil, err
	}
	nodeID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	// Story word count is the sum over all nodes; current_state tracks the
	// latest content.
	if _, err := tx.Exec(`
		UPDATE stories
		SET current_state = ?,
		    word_count = (SELECT COALESCE(SUM(word_count), 0) FROM story_nodes WHERE story_id = ?),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, content, storyID, storyID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		INSERT INTO contributions (story_id, user_name, nodes_created, words_contributed)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(story_id, user_name) DO UPDATE SET
			nodes_created = nodes_created + 1,
			words_contributed = words_contributed + excluded.words_contributed,
			last_contribution = CURRENT_TIMESTAMP
	`, storyID, author, wordCount); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		UPDATE writing_sessions
		SET current_node_id = ?, last_activity = CURRENT_TIMESTAMP
		WHERE story_id = ? AND user_name = ? AND is_active = TRUE
	`, nodeID, storyID, author); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return d.GetNode(nodeID)
}

func (d *Database) GetNode(id int64) (*StoryNode, error) {
	row := d.db.QueryRow(`
		SELECT id, story_id, content, author, parent_id, ai_generated, word_count, created_at
		FROM story_nodes WHERE id = ?
	`, id)

	var n StoryNode
	err := row.Scan(&n.ID, &n.StoryID, &n.Content, &n.Author, &n.ParentID, &n.AIGenerated, &n.WordCount, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (d *Database) ListNodes(storyID string, limit int) ([]StoryNode, error) {
	rows, err := d.db.Query(`
		SELECT id, story_id, content, author, parent_id, ai_generated, word_count, created_at
		FROM story_nodes
		WHERE story_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, storyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []StoryNode
	for rows.Next() {
		var n StoryNode
		if err := rows.Scan(&n.ID, &n.StoryID, &n.Content, &n.Author, &n.ParentID, &n.AIGenerated, &n.WordCount, &n.CreatedAt); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// RecentNodeContents returns the contents of the most recent nodes, newest
// first, used as suggestion context.
func (d *Database) RecentNodeContents(storyID string, limit int) ([]string, error) {
	rows, err := d.db.Query(`
		SELECT content FROM story_nodes
		WHERE story_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, storyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contents []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		contents = append(contents, c)
	}
	return contents, rows.Err()
}

// Writing session operations

// UpsertWritingSession flips the durable active flag for one (story, user)
// pair. At most one record per pair exists; repeated calls with the same flag
// are harmless.
func (d *Database) UpsertWritingSession(storyID, userName string, active bool) error {
	exists, err := d.StoryExists(storyID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrStoryNotFound
	}

	_, err = d.db.Exec(`
		INSERT INTO writing_sessions (story_id, user_name, is_active)
		VALUES (?, ?, ?)
		ON CONFLICT(story_id, user_name) DO UPDATE SET
			is_active = excluded.is_active,
			last_activity = CURRENT_TIMESTAMP
	`, storyID, userName, active)
	return err
}

func (d *Database) GetWritingSession(storyID, userName string) (*WritingSession, error) {
	row := d.db.QueryRow(`
		SELECT story_id, user_name, is_active, joined_at, last_activity, current_node_id
		FROM writing_sessions WHERE story_id = ? AND user_name = ?
	`, storyID, userName)

	var ws WritingSession
	err := row.Scan(&ws.StoryID, &ws.UserName, &ws.IsActive, &ws.JoinedAt, &ws.LastActivity, &ws.CurrentNodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// ListActiveWriters returns the users with an active writing session for a
// story. Anonymous participants never appear here.
func (d *Database) ListActiveWriters(storyID string) ([]WritingSession, error) {
	rows, err := d.db.Query(`
		SELECT story_id, user_name, is_active, joined_at, last_activity, current_node_id
		FROM writing_sessions
		WHERE story_id = ? AND is_active = TRUE
		ORDER BY joined_at ASC
	`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var writers []WritingSession
	for rows.Next() {
		var ws WritingSession
		if err := rows.Scan(&ws.StoryID, &ws.UserName, &ws.IsActive, &ws.JoinedAt, &ws.LastActivity, &ws.CurrentNodeID); err != nil {
			return nil, err
		}
		writers = append(writers, ws)
	}
	return writers, rows.Err()
}

// SweepStaleSessions deactivates sessions whose last activity predates the
// cutoff. Returns the number of sessions flipped.
func (d *Database) SweepStaleSessions(cutoff time.Time) (int64, error) {
	res, err := d.db.Exec(`
		UPDATE writing_sessions
		SET is_active = FALSE
		WHERE is_active = TRUE AND last_activity < ?
	`, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Contribution operations

func (d *Database) GetContribution(storyID, userName string) (*Contribution, error) {
	row := d.db.QueryRow(`
		SELECT story_id, user_name, nodes_created, words_contributed, first_contribution, last_contribution
		FROM contributions WHERE story_id = ? AND user_name = ?
	`, storyID, userName)

	var c Contribution
	err := row.Scan(&c.StoryID, &c.UserName, &c.NodesCreated, &c.WordsContributed, &c.FirstContribution, &c.LastContribution)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *Database) CountContributors(storyID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM contributions WHERE story_id = ?", storyID).Scan(&count)
	return count, err
}

// Comment operations

func (d *Database) CreateComment(storyID string, nodeID int64, author, content string) (*Comment, error) {
	exists, err := d.StoryExists(storyID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrStoryNotFound
	}

	res, err := d.db.Exec(`
		INSERT INTO story_comments (story_id, node_id, author, content)
		VALUES (?, ?, ?, ?)
	`, storyID, nodeID, author, content)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	row := d.db.QueryRow(`
		SELECT id, story_id, node_id, author, content, is_resolved, created_at
		FROM story_comments WHERE id = ?
	`, id)
	var c Comment
	if err := row.Scan(&c.ID, &c.StoryID, &c.NodeID, &c.Author, &c.Content, &c.IsResolved, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// AI prompt operations

func (d *Database) SavePrompt(storyID, promptType, generatedText, context string) (*AIPrompt, error) {
	res, err := d.db.Exec(`
		INSERT INTO ai_prompts (story_id, prompt_type, generated_text, context)
		VALUES (?, ?, ?, ?)
	`, storyID, promptType, generatedText, context)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	row := d.db.QueryRow(`
		SELECT id, story_id, prompt_type, generated_text, context, used, used_at, created_at
		FROM ai_prompts WHERE id = ?
	`, id)
	var p AIPrompt
	if err := row.Scan(&p.ID, &p.StoryID, &p.PromptType, &p.GeneratedText, &p.Context, &p.Used, &p.UsedAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *Database) MarkPromptUsed(id int64) error {
	res, err := d.db.Exec(`
		UPDATE ai_prompts SET used = TRUE, used_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ai prompt %d not found", id)
	}
	return nil
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	counts := []struct {
		key   string
		query string
	}{
		{"story_count", "SELECT COUNT(*) FROM stories"},
		{"node_count", "SELECT COUNT(*) FROM story_nodes"},
		{"active_session_count", "SELECT COUNT(*) FROM writing_sessions WHERE is_active = TRUE"},
	}
	for _, c := range counts {
		var n int
		if err := d.db.QueryRow(c.query).Scan(&n); err != nil {
			return nil, err
		}
		stats[c.key] = n
	}

	return stats, nil
}
