// Package paginate reconciles the locally retained window of synced
// chats against the backend's cursor-based listing. It prunes local
// copies that have fallen outside the retained window, establishes and
// advances the continuation cursor, and rolls the cursor back when a
// fetch fails so a failed attempt never silently advances pagination.
package paginate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	syncerrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/remote"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

const (
	// defaultPageSize matches the backend listing page size.
	defaultPageSize = 20

	// defaultGraceWindow protects recently synced chats from pruning.
	// A just-uploaded chat may not yet appear in a fresh remote listing
	// (the listing index is eventually consistent), so deleting it
	// locally on the strength of its absence would lose data.
	defaultGraceWindow = 5 * time.Minute
)

// RecordSaver persists a remotely listed chat into the local store.
// Implemented by the sync orchestrator, which owns decryption.
type RecordSaver interface {
	SaveRemote(ctx context.Context, chat remote.RemoteChat) error
}

// Cursor is the ephemeral pagination position for one session. It is
// never persisted; a fresh session re-derives it by re-listing page one.
type Cursor struct {
	NextToken string
	HasMore   bool

	// HasAttempted becomes true only after a load attempt has actually
	// run, success or failure. It distinguishes "no more chats" from
	// "not yet tried".
	HasAttempted bool
}

// PageResult reports the outcome of Initialize, LoadMore, or Reset.
type PageResult struct {
	HasMore    bool
	NextToken  string
	DeletedIDs []string
	Saved      int
}

// Engine drives pagination for one signed-in session. Constructed at
// sign-in and discarded at sign-out; no state outlives the session.
type Engine struct {
	store       *state.Store
	remote      remote.ChatStore
	saver       RecordSaver
	logger      *slog.Logger
	pageSize    int
	graceWindow time.Duration

	mu      sync.Mutex
	loading bool
	cursor  Cursor
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithPageSize overrides the listing page size.
func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

// WithGraceWindow overrides the pruning grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(e *Engine) { e.graceWindow = d }
}

// New creates a pagination engine.
func New(store *state.Store, chatStore remote.ChatStore, saver RecordSaver, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		remote:      chatStore,
		saver:       saver,
		logger:      logger,
		pageSize:    defaultPageSize,
		graceWindow: defaultGraceWindow,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Cursor returns a snapshot of the current cursor.
func (e *Engine) Cursor() Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cursor
}

// beginLoad claims the single-flight loading slot.
func (e *Engine) beginLoad() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loading {
		return syncerrors.ErrLoadInProgress
	}

	e.loading = true

	return nil
}

func (e *Engine) endLoad() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loading = false
}

// Initialize prunes the locally retained window and establishes a
// fresh continuation cursor from the first remote page. Chats synced
// within the grace window are never pruned, even when they fall beyond
// the page-size cutoff.
func (e *Engine) Initialize(ctx context.Context) (*PageResult, error) {
	if err := e.beginLoad(); err != nil {
		return nil, err
	}
	defer e.endLoad()

	return e.initializeLocked(ctx)
}

func (e *Engine) initializeLocked(ctx context.Context) (*PageResult, error) {
	deletedIDs, err := e.pruneRetained()
	if err != nil {
		return nil, err
	}

	listing, err := e.remote.ListChats(ctx, remote.ListOptions{
		Limit:          e.pageSize,
		IncludeContent: true,
	})

	e.mu.Lock()
	e.cursor.HasAttempted = true
	e.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("initializing pagination: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	saved, err := e.saveListing(ctx, listing)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cursor.NextToken = listing.NextContinuationToken
	e.cursor.HasMore = listing.NextContinuationToken != ""
	cursor := e.cursor
	e.mu.Unlock()

	e.logger.Debug("pagination initialized",
		slog.Int("saved", saved),
		slog.Int("pruned", len(deletedIDs)),
		slog.Bool("has_more", cursor.HasMore),
	)

	return &PageResult{
		HasMore:    cursor.HasMore,
		NextToken:  cursor.NextToken,
		DeletedIDs: deletedIDs,
		Saved:      saved,
	}, nil
}

// pruneRetained deletes locally retained synced chats beyond the first
// page's worth, except those synced within the grace window.
func (e *Engine) pruneRetained() ([]string, error) {
	synced, err := e.store.SyncedChatsNewestFirst()
	if err != nil {
		return nil, fmt.Errorf("listing retained chats: %w", err)
	}

	if len(synced) <= e.pageSize {
		return nil, nil
	}

	cutoff := time.Now().Add(-e.graceWindow)

	var deleted []string

	for _, record := range synced[e.pageSize:] {
		if record.SyncedAt.After(cutoff) {
			continue
		}

		if err := e.store.DeleteChat(record.ID); err != nil {
			return deleted, fmt.Errorf("pruning chat %s: %w", record.ID, err)
		}

		deleted = append(deleted, record.ID)
	}

	return deleted, nil
}

// LoadMore fetches the next page using the current cursor. If no
// cursor exists yet it fetches page one to obtain one first, rather
// than skipping straight to page two. On any failure the in-memory
// cursor and HasMore are rolled back to their pre-call values.
func (e *Engine) LoadMore(ctx context.Context) (*PageResult, error) {
	if err := e.beginLoad(); err != nil {
		return nil, err
	}
	defer e.endLoad()

	e.mu.Lock()
	snapshot := e.cursor
	e.mu.Unlock()

	// No further pages: expected steady state, not an error.
	if snapshot.HasAttempted && !snapshot.HasMore {
		return &PageResult{HasMore: false, NextToken: snapshot.NextToken}, nil
	}

	result, err := e.loadMoreLocked(ctx, snapshot)
	if err != nil {
		// Roll back so a failed attempt never advances pagination.
		// HasAttempted stays true: an attempt did run.
		e.mu.Lock()
		e.cursor = snapshot
		e.cursor.HasAttempted = true
		e.mu.Unlock()

		return nil, err
	}

	return result, nil
}

func (e *Engine) loadMoreLocked(ctx context.Context, snapshot Cursor) (*PageResult, error) {
	token := snapshot.NextToken
	saved := 0

	// Cold start: obtain the first page (and with it the cursor)
	// before loading the page after it.
	if token == "" && !snapshot.HasAttempted {
		first, err := e.remote.ListChats(ctx, remote.ListOptions{
			Limit:          e.pageSize,
			IncludeContent: true,
		})
		if err != nil {
			return nil, fmt.Errorf("loading first page: %w", err)
		}

		n, err := e.saveListing(ctx, first)
		if err != nil {
			return nil, err
		}

		saved += n
		token = first.NextContinuationToken

		if token == "" {
			e.mu.Lock()
			e.cursor = Cursor{HasAttempted: true}
			e.mu.Unlock()

			return &PageResult{Saved: saved}, nil
		}
	}

	listing, err := e.remote.ListChats(ctx, remote.ListOptions{
		Limit:             e.pageSize,
		ContinuationToken: token,
		IncludeContent:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("loading next page: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n, err := e.saveListing(ctx, listing)
	if err != nil {
		return nil, err
	}

	saved += n

	e.mu.Lock()
	e.cursor = Cursor{
		NextToken:    listing.NextContinuationToken,
		HasMore:      listing.NextContinuationToken != "",
		HasAttempted: true,
	}
	cursor := e.cursor
	e.mu.Unlock()

	e.logger.Debug("page loaded",
		slog.Int("saved", saved),
		slog.Bool("has_more", cursor.HasMore),
	)

	return &PageResult{
		HasMore:   cursor.HasMore,
		NextToken: cursor.NextToken,
		Saved:     saved,
	}, nil
}

// Reset discards the cursor and re-runs initialization. Used when new
// local content (a newly created chat) invalidates the cursor's
// ordering assumption.
func (e *Engine) Reset(ctx context.Context) (*PageResult, error) {
	if err := e.beginLoad(); err != nil {
		return nil, err
	}
	defer e.endLoad()

	e.mu.Lock()
	e.cursor = Cursor{}
	e.mu.Unlock()

	return e.initializeLocked(ctx)
}

// saveListing hands each listed record to the saver. Individual decode
// failures are the saver's business (it flags the record); only store
// failures abort.
func (e *Engine) saveListing(ctx context.Context, listing *remote.ListResult) (int, error) {
	saved := 0

	for _, chat := range listing.Conversations {
		if err := e.saver.SaveRemote(ctx, chat); err != nil {
			return saved, fmt.Errorf("saving chat %s: %w", chat.ID, err)
		}

		saved++
	}

	return saved, nil
}
