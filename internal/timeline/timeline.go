// Package timeline holds the in-memory, time-ordered message list for one
// open room. It merges four sources by message id: the persistent cache, the
// paginated remote fetch, live push inserts, and archive pages once live
// history is exhausted. Visible order is re-sorted by createdAt after every
// mutation, so display order is correct even though events apply in arrival
// order.
package timeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/cache"
	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/directory"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/remote"
	"github.com/chatsync/internal/unread"
	"github.com/chatsync/internal/upload"
)

// loadMoreCooldown, together with the in-flight flag, collapses rapid
// successive "load more" triggers from scroll events into one request.
const loadMoreCooldown = 500 * time.Millisecond

// Channel is the outbound half of the push connection the timeline needs.
type Channel interface {
	SendMessage(p conn.SendMessagePayload) error
	MessageRead(messageID, roomID string) error
}

type Timeline struct {
	roomID      string
	roomType    model.RoomType
	localUserID string
	// joinedAt bounds which archive days are relevant: cold pages predating
	// the local user's membership are never fetched.
	joinedAt  time.Time
	store     cache.Store
	remote    *remote.Client
	channel   Channel
	dir       *directory.Directory
	pageLimit int
	freshness time.Duration

	mu         sync.Mutex
	msgs       []model.Message
	byID       map[string]int
	page       int
	hasMore    bool
	loadedOnce bool

	inFlight      bool
	cooldownUntil time.Time

	archiveDays        []model.ArchiveDay
	archiveIdx         int
	archiveLoaded      bool
	archiveLoading     bool
	pendingArchiveLoad bool
}

type Options struct {
	RoomID      string
	RoomType    model.RoomType
	LocalUserID string
	JoinedAt    time.Time
	Store       cache.Store
	Remote      *remote.Client
	Channel     Channel
	Directory   *directory.Directory
	PageLimit   int
	Freshness   time.Duration
}

func New(o Options) *Timeline {
	if o.PageLimit <= 0 {
		o.PageLimit = 50
	}
	if o.Freshness <= 0 {
		o.Freshness = 5 * time.Minute
	}
	return &Timeline{
		roomID:      o.RoomID,
		roomType:    o.RoomType,
		localUserID: o.LocalUserID,
		joinedAt:    o.JoinedAt,
		store:       o.Store,
		remote:      o.Remote,
		channel:     o.Channel,
		dir:         o.Directory,
		pageLimit:   o.PageLimit,
		freshness:   o.Freshness,
		byID:        make(map[string]int),
		hasMore:     true,
	}
}

func (t *Timeline) RoomID() string { return t.roomID }

// Messages returns the visible timeline, ascending by createdAt.
func (t *Timeline) Messages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// HasMore reports whether live pagination still has pages. Archive fallback
// does not flip it back to true.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Load shows the cache entry immediately when one exists; when the cache is
// stale, this is the first load of the room this session, or the refresh is
// forced, a remote page-1 fetch is merged in (fetch wins on conflicting
// fields) and persisted. The unread counter is recomputed absolutely after
// every (re)load.
func (t *Timeline) Load(ctx context.Context, forceRefresh bool) ([]model.Message, error) {
	t.mu.Lock()
	first := !t.loadedOnce
	t.mu.Unlock()

	cached, storedAt, err := t.store.GetMessages(ctx, t.roomID)
	if err != nil {
		logger.Errorf("timeline %s: cache read: %v", t.roomID, err)
	}
	if len(cached) > 0 {
		t.merge(cached)
	}
	fresh := !storedAt.IsZero() && time.Since(storedAt) < t.freshness
	if !forceRefresh && !first && fresh && len(cached) > 0 {
		t.recomputeUnread()
		return t.Messages(), nil
	}

	page, err := t.remote.GetMessages(ctx, t.roomID, 1, t.pageLimit)
	if err != nil {
		// Remote down: the cached view, if any, stays usable.
		t.recomputeUnread()
		return t.Messages(), err
	}

	t.mu.Lock()
	t.page = 1
	t.loadedOnce = true
	t.mu.Unlock()
	t.setHasMore(page.HasMore)
	t.merge(page.Messages)
	t.persistAsync()
	t.recomputeUnread()
	return t.Messages(), nil
}

// Resync is the post-reconnect path: a forced page-1 refetch, because events
// during the outage are not replayed by the server.
func (t *Timeline) Resync(ctx context.Context) error {
	_, err := t.Load(ctx, true)
	return err
}

// LoadMore extends history towards the past: next live page while the
// remote reports more, then archive days newest-to-oldest. Rapid calls
// collapse into one in-flight request; calls past the end are no-ops.
func (t *Timeline) LoadMore(ctx context.Context) error {
	t.mu.Lock()
	if t.inFlight || time.Now().Before(t.cooldownUntil) {
		t.mu.Unlock()
		return nil
	}
	t.inFlight = true
	hasMore := t.hasMore
	nextPage := t.page + 1
	t.mu.Unlock()
	defer t.settle()

	if hasMore {
		page, err := t.remote.GetMessages(ctx, t.roomID, nextPage, t.pageLimit)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.page = nextPage
		t.mu.Unlock()
		t.setHasMore(page.HasMore)
		t.merge(page.Messages)
		t.persistAsync()
		return nil
	}
	return t.loadFromArchive(ctx)
}

func (t *Timeline) settle() {
	t.mu.Lock()
	t.inFlight = false
	t.cooldownUntil = time.Now().Add(loadMoreCooldown)
	t.mu.Unlock()
}

// setHasMore records the live-pagination flag and, on exhaustion, prefetches
// the archive day list in the background so the first archive "load more"
// usually finds it resolved.
func (t *Timeline) setHasMore(hasMore bool) {
	t.mu.Lock()
	t.hasMore = hasMore
	start := !hasMore && !t.archiveLoaded && !t.archiveLoading
	if start {
		t.archiveLoading = true
	}
	t.mu.Unlock()
	if start {
		go func() {
			if err := t.fetchArchiveDays(context.Background()); err != nil {
				logger.Errorf("timeline %s: %v", t.roomID, err)
			}
		}()
	}
}

// loadFromArchive consumes the next archive day. If the day list is still
// resolving, the request is queued and serviced when it lands.
func (t *Timeline) loadFromArchive(ctx context.Context) error {
	t.mu.Lock()
	if !t.archiveLoaded {
		if t.archiveLoading {
			t.pendingArchiveLoad = true
			t.mu.Unlock()
			return nil
		}
		t.archiveLoading = true
		t.mu.Unlock()
		if err := t.fetchArchiveDays(ctx); err != nil {
			return err
		}
		t.mu.Lock()
	}
	if t.archiveIdx >= len(t.archiveDays) {
		// Cold storage exhausted too: nothing left to load.
		t.mu.Unlock()
		return nil
	}
	day := t.archiveDays[t.archiveIdx]
	t.archiveIdx++
	t.mu.Unlock()
	return t.loadArchiveDay(ctx, day)
}

// fetchArchiveDays resolves the day list once: filtered to days on/after the
// local user's joinedAt, newest first. A queued load-more is serviced here.
// Failures reset the loading flag so a later load-more retries the fetch.
func (t *Timeline) fetchArchiveDays(ctx context.Context) error {
	days, err := t.remote.GetAvailableArchiveDays(ctx, t.roomID)
	if err != nil {
		t.mu.Lock()
		t.archiveLoading = false
		dropped := t.pendingArchiveLoad
		t.pendingArchiveLoad = false
		t.mu.Unlock()
		if dropped {
			logger.Errorf("timeline %s: queued archive load dropped: %v", t.roomID, err)
		}
		return fmt.Errorf("archive days: %w", err)
	}

	cutoff := time.Date(t.joinedAt.Year(), t.joinedAt.Month(), t.joinedAt.Day(), 0, 0, 0, 0, time.UTC)
	kept := days[:0]
	for _, d := range days {
		if !d.Date().Before(cutoff) {
			kept = append(kept, d)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[j].Before(kept[i]) })

	t.mu.Lock()
	t.archiveDays = kept
	t.archiveIdx = 0
	t.archiveLoaded = true
	t.archiveLoading = false
	pending := t.pendingArchiveLoad
	t.pendingArchiveLoad = false
	var day model.ArchiveDay
	if pending && t.archiveIdx < len(t.archiveDays) {
		day = t.archiveDays[t.archiveIdx]
		t.archiveIdx++
	} else {
		pending = false
	}
	t.mu.Unlock()

	if pending {
		if err := t.loadArchiveDay(ctx, day); err != nil {
			logger.Errorf("timeline %s: queued archive load: %v", t.roomID, err)
		}
	}
	return nil
}

// loadArchiveDay fetches one cold page, preferring the per-day cache.
// Archive messages carry no live read-by state; they arrive with an empty
// set and merge by id like any other source.
func (t *Timeline) loadArchiveDay(ctx context.Context, day model.ArchiveDay) error {
	msgs, ok, err := t.store.GetArchivePage(ctx, t.roomID, day)
	if err != nil {
		logger.Errorf("timeline %s: archive cache read %s: %v", t.roomID, cache.DayKey(day), err)
	}
	if !ok {
		msgs, err = t.remote.LoadArchivedMessages(ctx, t.roomID, day.Year, day.Month, day.Day)
		if err != nil {
			// Put the day back so a later load-more retries it.
			t.mu.Lock()
			if t.archiveIdx > 0 {
				t.archiveIdx--
			}
			t.mu.Unlock()
			return err
		}
		for i := range msgs {
			msgs[i].ChatRoomID = t.roomID
			if msgs[i].ReadBy == nil {
				msgs[i].ReadBy = []string{}
			}
		}
		go func(day model.ArchiveDay, msgs []model.Message) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := t.store.SetArchivePage(ctx, t.roomID, day, msgs); err != nil {
				logger.Errorf("timeline %s: archive cache write: %v", t.roomID, err)
			}
		}(day, msgs)
	}
	t.merge(msgs)
	t.persistAsync()
	return nil
}

// AddLive inserts a push-origin message. When it comes from another user
// while this room is the one open on screen, it is marked read locally
// before insertion and a read receipt goes straight back to the server, so
// "seen while open" is indistinguishable from an explicit read.
func (t *Timeline) AddLive(msg model.Message) {
	if msg.ChatRoomID != t.roomID {
		return
	}
	emitReceipt := msg.SenderID != t.localUserID
	if emitReceipt {
		msg.MarkReadBy(t.localUserID, t.roomType)
	}
	t.merge([]model.Message{msg})
	if emitReceipt {
		if err := t.channel.MessageRead(msg.ID, t.roomID); err != nil {
			logger.Errorf("timeline %s: read receipt %s: %v", t.roomID, msg.ID, err)
		}
	}
	t.persistAsync()
}

// Send transmits over the push channel; no placeholder is inserted. The
// message appears only when the server echoes it back, so client and server
// never disagree about whether a send happened. Fails fast when
// disconnected.
func (t *Timeline) Send(content string, attachment *upload.Result, reply *model.ReplyData) error {
	p := conn.SendMessagePayload{
		ChatRoomID: t.roomID,
		Content:    content,
		ReplyData:  reply,
	}
	if attachment != nil {
		p.FileURL = attachment.URL
		p.FileName = attachment.Name
		p.FileSize = attachment.Size
	}
	return t.channel.SendMessage(p)
}

// MarkRead applies a read receipt to one message. Implements
// unread.MessageSink.
func (t *Timeline) MarkRead(messageID, readerID string) (newlyRead, known bool) {
	t.mu.Lock()
	i, ok := t.byID[messageID]
	if !ok {
		t.mu.Unlock()
		return false, false
	}
	newlyRead = t.msgs[i].MarkReadBy(readerID, t.roomType)
	t.mu.Unlock()
	t.persistAsync()
	return newlyRead, true
}

// merge upserts by id and re-sorts ascending by createdAt. A message already
// present is never duplicated, only merged with the incoming fields.
func (t *Timeline) merge(incoming []model.Message) {
	t.mu.Lock()
	for i := range incoming {
		msg := incoming[i]
		if msg.ID == "" {
			continue
		}
		if j, ok := t.byID[msg.ID]; ok {
			t.msgs[j].MergeFrom(&msg)
			continue
		}
		t.byID[msg.ID] = len(t.msgs)
		t.msgs = append(t.msgs, msg)
	}
	sort.SliceStable(t.msgs, func(i, j int) bool {
		return t.msgs[i].CreatedAt.Before(t.msgs[j].CreatedAt)
	})
	for i := range t.msgs {
		t.byID[t.msgs[i].ID] = i
	}
	t.mu.Unlock()
}

// recomputeUnread pushes the absolute unread count for this room, healing
// any drift the delta arithmetic accumulated.
func (t *Timeline) recomputeUnread() {
	n := unread.Recompute(t.Messages(), t.localUserID)
	t.dir.Update(t.roomID, directory.Patch{UnreadAbsolute: &n})
}

func (t *Timeline) persistAsync() {
	snapshot := t.Messages()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.store.SetMessages(ctx, t.roomID, snapshot); err != nil {
			logger.Errorf("timeline %s: cache write: %v", t.roomID, err)
		}
	}()
}
