package store

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/mjl-/bstore"

	"github.com/ssekeep/ssekeep/metrics"
)

// UserWatch delivers the set of users each time it changes.
//
// Only the latest set is kept for delivery: a slow reader skips intermediate
// sets, but always receives the set after the most recent change.
type UserWatch struct {
	// Receives the current users, sorted by id. The first value, the users at the
	// time of ObserveUsers, is available immediately. Closed when the watch ends.
	// Received slices are shared between watchers and must not be modified.
	C <-chan []User

	c     chan []User
	done  chan struct{}
	store *Store
}

// ObserveUsers starts watching the set of users. The watch ends on Close, when
// ctx is done, or when the store is closed.
func (s *Store) ObserveUsers(ctx context.Context) (*UserWatch, error) {
	c := make(chan []User, 1)
	w := &UserWatch{C: c, c: c, done: make(chan struct{}), store: s}

	s.watchMutex.Lock()
	defer s.watchMutex.Unlock()

	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	w.c <- users
	s.watchers[w] = struct{}{}

	if ctx.Done() != nil {
		go func() {
			defer func() {
				x := recover()
				if x != nil {
					s.log.Error("unhandled panic in user watch", slog.Any("panic", x))
					debug.PrintStack()
					metrics.PanicInc(metrics.Store)
				}
			}()

			select {
			case <-ctx.Done():
				w.Close()
			case <-w.done:
			}
		}()
	}
	return w, nil
}

// Close ends the watch, closing C. Calling Close multiple times is fine.
func (w *UserWatch) Close() {
	w.store.watchMutex.Lock()
	defer w.store.watchMutex.Unlock()
	w.store.unwatchLocked(w)
}

func (s *Store) unwatchLocked(w *UserWatch) {
	if _, ok := s.watchers[w]; !ok {
		return
	}
	delete(s.watchers, w)
	close(w.c)
	close(w.done)
}

// notifyUsers sends the current users to all watchers. Called after a committed
// change to the set of users.
func (s *Store) notifyUsers(ctx context.Context) {
	s.watchMutex.Lock()
	defer s.watchMutex.Unlock()

	if len(s.watchers) == 0 {
		return
	}

	// The change is committed, a canceled ctx must not prevent delivery.
	users, err := bstore.QueryDB[User](context.WithoutCancel(ctx), s.DB).SortAsc("UserID").List()
	if err != nil {
		s.log.WithContext(ctx).Errorx("listing users for watchers", err)
		return
	}
	for w := range s.watchers {
		// Replace a pending value that was not yet received.
		select {
		case <-w.c:
		default:
		}
		w.c <- users
	}
}
