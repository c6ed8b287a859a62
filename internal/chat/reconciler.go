package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/beantrade/syncgw/internal/transport"
)

const defaultSendTimeout = 15 * time.Second

// historyMatchSkew is how far a local send may postdate the history row
// that confirms it.
const historyMatchSkew = 2 * time.Minute

type Config struct {
	UserID    string
	Key       Key
	Transport transport.Transport
	History   HistoryFetcher
	// Journal is optional.
	Journal Journal

	SendTimeout time.Duration
	// OnError receives SendError values from background sends. It must not
	// block; it is never called after Disconnect.
	OnError func(error)
	Now     func() time.Time
}

// Reconciler owns the ordered message list of one conversation view and
// merges history, optimistic sends and push deliveries into it. Every
// mutation happens under mu, one event at a time.
type Reconciler struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	msgs        []ChatMessage
	confirmed   map[string]struct{}
	loaded      bool
	closed      bool
	unsubscribe func()
	subs        map[int]chan []ChatMessage
	nextSub     int

	history   singleflight.Group
	sends     sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg Config) *Reconciler {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		confirmed: make(map[string]struct{}),
		subs:      make(map[int]chan []ChatMessage),
	}
}

func (r *Reconciler) Key() Key { return r.cfg.Key }

// Connect subscribes to the push transport and opens it.
func (r *Reconciler) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.unsubscribe == nil {
		r.unsubscribe = r.cfg.Transport.OnMessage(func(env transport.Envelope) {
			r.ReceiveRemote(env)
		})
	}
	r.mu.Unlock()

	return r.cfg.Transport.Connect(ctx)
}

// LoadHistory fetches persisted history once per activation. Concurrent
// callers share the in-flight fetch; after a successful load it returns the
// current list without fetching. A failed load leaves already merged
// messages in place and may be retried.
func (r *Reconciler) LoadHistory(ctx context.Context) ([]ChatMessage, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	loaded := r.loaded
	r.mu.Unlock()
	if loaded {
		return r.Messages(), nil
	}

	_, err, _ := r.history.Do("history", func() (any, error) {
		r.mu.Lock()
		loaded := r.loaded
		r.mu.Unlock()
		if loaded {
			return nil, nil
		}

		fctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(r.ctx, cancel)
		defer stop()

		entries, err := r.cfg.History.FetchHistory(fctx, r.cfg.UserID, r.cfg.Key)
		r.applyHistory(entries, err == nil)
		if err != nil {
			return nil, &FetchError{Key: r.cfg.Key, Err: err}
		}
		return nil, nil
	})
	if err != nil {
		return r.Messages(), err
	}
	return r.Messages(), nil
}

func (r *Reconciler) applyHistory(entries []HistoryEntry, complete bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	changed := false
	for _, e := range entries {
		if e.ID == "" || strings.TrimSpace(e.Message) == "" {
			log.Warn().Str("conversation", r.cfg.Key.String()).Str("id", e.ID).Msg("skipping malformed history entry")
			continue
		}
		if _, ok := r.mergeLocked(fromHistory(r.cfg.UserID, r.cfg.Key, e)); ok {
			changed = true
		}
	}
	if complete {
		r.loaded = true
	}
	if changed {
		r.publishLocked()
	}
}

// SendLocal appends an optimistic message and hands it to the transport in
// the background. The returned message carries the temporary id.
func (r *Reconciler) SendLocal(body string) (ChatMessage, error) {
	if strings.TrimSpace(body) == "" {
		return ChatMessage{}, ErrEmptyBody
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ChatMessage{}, ErrClosed
	}
	tmp := uuid.NewString()
	m := ChatMessage{
		ID:        tmp,
		ClientID:  tmp,
		Key:       r.cfg.Key,
		Sender:    SenderLocal,
		SenderID:  r.cfg.UserID,
		Body:      body,
		Status:    StatusPending,
		Origin:    OriginPending,
		CreatedAt: r.cfg.Now(),
	}
	// pending entries always go last: nothing sent or received earlier may
	// move below them
	r.msgs = append(r.msgs, m)
	r.sends.Add(1)
	r.publishLocked()
	r.mu.Unlock()

	go r.deliver(m)
	return m, nil
}

func (r *Reconciler) deliver(m ChatMessage) {
	defer r.sends.Done()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.SendTimeout)
	defer cancel()

	err := r.cfg.Transport.SendMessage(ctx, transport.Outbound{
		ClientID:    m.ClientID,
		SenderID:    r.cfg.UserID,
		RecipientID: r.cfg.Key.CounterpartID,
		ListingID:   r.cfg.Key.ListingID,
		Message:     m.Body,
	})
	if err == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	for i := range r.msgs {
		if r.msgs[i].ClientID == m.ClientID && r.msgs[i].Status == StatusPending {
			r.msgs[i].Status = StatusFailed
			r.publishLocked()
			break
		}
	}
	onError := r.cfg.OnError
	r.mu.Unlock()

	serr := &SendError{MessageID: m.ID, Err: err}
	log.Warn().Err(err).Str("conversation", r.cfg.Key.String()).Str("client_id", m.ClientID).Msg("optimistic send failed")
	if onError != nil {
		onError(serr)
	}
}

// ReceiveRemote applies one push delivery. It reports whether the list
// changed. Deliveries for other conversations, duplicates and anything
// arriving after Disconnect are ignored.
func (r *Reconciler) ReceiveRemote(env transport.Envelope) bool {
	if err := env.Validate(); err != nil {
		log.Warn().Err(err).Str("conversation", r.cfg.Key.String()).Msg("ignoring delivery")
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	in := fromEnvelope(r.cfg.UserID, env)
	if in.Key != r.cfg.Key {
		r.mu.Unlock()
		return false
	}
	merged, ok := r.mergeLocked(in)
	if ok {
		r.publishLocked()
	}
	journal := r.cfg.Journal
	r.mu.Unlock()

	if ok && journal != nil {
		if err := journal.Record(r.ctx, r.cfg.UserID, merged); err != nil {
			log.Warn().Err(err).Str("conversation", r.cfg.Key.String()).Str("id", merged.ID).Msg("journal write failed")
		}
	}
	return ok
}

// mergeLocked applies a confirmed message: duplicates by id are dropped, a
// matching unconfirmed local entry is confirmed in place, anything else is
// inserted by timestamp above any pending local entries.
func (r *Reconciler) mergeLocked(in ChatMessage) (ChatMessage, bool) {
	if _, dup := r.confirmed[in.ID]; dup {
		return ChatMessage{}, false
	}

	if in.Sender == SenderLocal {
		if i := r.pendingMatchLocked(in); i >= 0 {
			m := &r.msgs[i]
			m.ID = in.ID
			m.CreatedAt = in.CreatedAt
			m.Status = StatusConfirmed
			m.Origin = in.Origin
			r.confirmed[in.ID] = struct{}{}
			merged := *m

			r.settleLocked(i)
			if !r.hasPendingLocked() {
				sort.SliceStable(r.msgs, func(a, b int) bool {
					return r.msgs[a].CreatedAt.Before(r.msgs[b].CreatedAt)
				})
			}
			return merged, true
		}
	}

	// pending entries count as newer than anything confirmed
	pos := len(r.msgs)
	for pos > 0 && (r.msgs[pos-1].Status == StatusPending || r.msgs[pos-1].CreatedAt.After(in.CreatedAt)) {
		pos--
	}
	r.msgs = append(r.msgs, ChatMessage{})
	copy(r.msgs[pos+1:], r.msgs[pos:])
	r.msgs[pos] = in
	r.confirmed[in.ID] = struct{}{}
	return in, true
}

// settleLocked moves a freshly confirmed entry past neighbours whose
// timestamps put it out of order. Pending entries are never crossed.
func (r *Reconciler) settleLocked(i int) {
	for i > 0 && r.msgs[i-1].Status != StatusPending && r.msgs[i-1].CreatedAt.After(r.msgs[i].CreatedAt) {
		r.msgs[i-1], r.msgs[i] = r.msgs[i], r.msgs[i-1]
		i--
	}
	for i < len(r.msgs)-1 && r.msgs[i+1].Status != StatusPending && r.msgs[i+1].CreatedAt.Before(r.msgs[i].CreatedAt) {
		r.msgs[i+1], r.msgs[i] = r.msgs[i], r.msgs[i+1]
		i++
	}
}

func (r *Reconciler) hasPendingLocked() bool {
	for i := range r.msgs {
		if r.msgs[i].Status == StatusPending {
			return true
		}
	}
	return false
}

// pendingMatchLocked finds the unconfirmed local entry in answers. A
// correlation token matches exactly; without one the oldest unconfirmed
// entry with the same body wins. History rows never match a local entry
// created well after them.
func (r *Reconciler) pendingMatchLocked(in ChatMessage) int {
	for i := range r.msgs {
		m := r.msgs[i]
		if m.Sender != SenderLocal || m.Confirmed() {
			continue
		}
		if in.Origin == OriginHistory && m.CreatedAt.After(in.CreatedAt.Add(historyMatchSkew)) {
			continue
		}
		if in.ClientID != "" {
			if m.ClientID == in.ClientID {
				return i
			}
			continue
		}
		if m.Body == in.Body {
			return i
		}
	}
	return -1
}

// Messages returns a copy of the ordered list.
func (r *Reconciler) Messages() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() []ChatMessage {
	return append([]ChatMessage(nil), r.msgs...)
}

// Subscribe streams list snapshots, starting with the current one. Slow
// readers only see the latest snapshot. The channel closes on cancel or
// Disconnect.
func (r *Reconciler) Subscribe() (<-chan []ChatMessage, func()) {
	ch := make(chan []ChatMessage, 1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.snapshotLocked()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

func (r *Reconciler) publishLocked() {
	if len(r.subs) == 0 {
		return
	}
	snap := r.snapshotLocked()
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Disconnect releases the transport subscription and stops every pending
// callback from touching the list. Safe to call more than once.
func (r *Reconciler) Disconnect() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		unsubscribe := r.unsubscribe
		r.unsubscribe = nil
		for id, ch := range r.subs {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		r.cancel()
		err = r.cfg.Transport.Disconnect()
		r.sends.Wait()
	})
	return err
}
