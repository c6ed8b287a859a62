package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beantrade/syncgw/internal/transport"
)

var ErrViewNotFound = errors.New("chat: view not found")

// View is one open conversation screen. It owns its Reconciler and its
// transport; nothing is shared with other views.
type View struct {
	ID       string
	UserID   string
	Key      Key
	OpenedAt time.Time

	rec  *Reconciler
	errs chan error
}

func (v *View) Reconciler() *Reconciler { return v.rec }

// Errors carries background SendError values for toast display. Buffered;
// errors are dropped when nobody reads.
func (v *View) Errors() <-chan error { return v.errs }

type ManagerConfig struct {
	Transports    *transport.Registry
	TransportName string
	History       HistoryFetcher
	Journal       Journal
	SendTimeout   time.Duration
}

type Manager struct {
	cfg ManagerConfig

	mu    sync.Mutex
	views map[string]*View
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, views: make(map[string]*View)}
}

// Open creates a view for userID on key and connects its transport. History
// is not loaded; callers do that so they can surface FetchError.
func (m *Manager) Open(ctx context.Context, userID string, key Key) (*View, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}
	tr, err := m.cfg.Transports.Get(ctx, m.cfg.TransportName, userID)
	if err != nil {
		return nil, err
	}
	id, err := NewViewID()
	if err != nil {
		return nil, err
	}

	v := &View{
		ID:       id,
		UserID:   userID,
		Key:      key,
		OpenedAt: time.Now(),
		errs:     make(chan error, 8),
	}
	v.rec = New(Config{
		UserID:      userID,
		Key:         key,
		Transport:   tr,
		History:     m.cfg.History,
		Journal:     m.cfg.Journal,
		SendTimeout: m.cfg.SendTimeout,
		OnError: func(err error) {
			select {
			case v.errs <- err:
			default:
			}
		},
	})
	if err := v.rec.Connect(ctx); err != nil {
		_ = v.rec.Disconnect()
		return nil, err
	}

	m.mu.Lock()
	m.views[id] = v
	m.mu.Unlock()

	log.Info().Str("view_id", id).Str("user_id", userID).Str("conversation", key.String()).Msg("view opened")
	return v, nil
}

// Get returns the view only to the user that opened it.
func (m *Manager) Get(viewID, userID string) (*View, error) {
	m.mu.Lock()
	v, ok := m.views[viewID]
	m.mu.Unlock()
	if !ok || v.UserID != userID {
		return nil, ErrViewNotFound
	}
	return v, nil
}

func (m *Manager) Close(viewID string) error {
	m.mu.Lock()
	v, ok := m.views[viewID]
	delete(m.views, viewID)
	m.mu.Unlock()
	if !ok {
		return ErrViewNotFound
	}

	err := v.rec.Disconnect()
	log.Info().Str("view_id", viewID).Dur("open_for", time.Since(v.OpenedAt)).Msg("view closed")
	return err
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.views))
	for id := range m.views {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Close(id); err != nil && !errors.Is(err, ErrViewNotFound) {
			log.Warn().Err(err).Str("view_id", id).Msg("view close failed")
		}
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.views)
}
