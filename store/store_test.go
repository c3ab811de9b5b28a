package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/seal"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tneedError(t *testing.T, err, expErr error, msg string) {
	t.Helper()
	if err == nil || !errors.Is(err, expErr) {
		t.Fatalf("%s: got err %v, expected %v", msg, err, expErr)
	}
}

// fakeSealer "seals" by prefixing the mode and flipping bits, and can be made to
// fail or block.
type fakeSealer struct {
	sync.Mutex
	err   error         // If set, returned by operations.
	block chan struct{} // If set, operations wait until it is closed.
	seals int
}

func (f *fakeSealer) setErr(err error) {
	f.Lock()
	defer f.Unlock()
	f.err = err
}

func (f *fakeSealer) wait(ctx context.Context) error {
	f.Lock()
	err, block := f.err, f.block
	f.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting: %w", seal.ErrUnavailable, ctx.Err())
		}
	}
	return err
}

func flip(buf []byte) []byte {
	r := make([]byte, len(buf))
	for i, b := range buf {
		r[i] = b ^ 0xff
	}
	return r
}

func (f *fakeSealer) Seal(ctx context.Context, plaintext []byte, mode seal.Mode) ([]byte, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.Lock()
	f.seals++
	f.Unlock()
	return append([]byte("sealed:"+string(mode)+":"), flip(plaintext)...), nil
}

func (f *fakeSealer) Unseal(ctx context.Context, ciphertext []byte, mode seal.Mode) ([]byte, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	prefix := []byte("sealed:" + string(mode) + ":")
	if !bytes.HasPrefix(ciphertext, prefix) {
		return nil, fmt.Errorf("%w: bad prefix", seal.ErrCorrupt)
	}
	return flip(ciphertext[len(prefix):]), nil
}

func newTestStore(t *testing.T, sealer seal.Sealer) *Store {
	t.Helper()
	log := mlog.New("store", nil)
	p := filepath.Join(t.TempDir(), "ssekeep.db")
	s, err := Open(ctxbg, log, p, sealer, seal.ModeDeviceLock)
	tcheck(t, err, "open store")
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return s
}

func userIDs(l []User) []string {
	var r []string
	for _, u := range l {
		r = append(r, u.UserID)
	}
	return r
}

func tcheckUsers(t *testing.T, s *Store, exp ...string) {
	t.Helper()
	users, err := s.ListUsers(ctxbg)
	tcheck(t, err, "list users")
	if got := fmt.Sprint(userIDs(users)); got != fmt.Sprint(exp) {
		t.Fatalf("users: got %s, expected %s", got, fmt.Sprint(exp))
	}
}

func TestOpen(t *testing.T) {
	log := mlog.New("store", nil)
	p := filepath.Join(t.TempDir(), "sub", "ssekeep.db")
	_, err := Open(ctxbg, log, p, &fakeSealer{}, seal.Mode("bogus"))
	tneedError(t, err, ErrInvalid, "open with unknown mode")

	s, err := Open(ctxbg, log, p, &fakeSealer{}, seal.ModeBiometrics)
	tcheck(t, err, "open store")
	if s.Mode() != seal.ModeBiometrics {
		t.Fatalf("mode %q, expected biometrics", s.Mode())
	}
	err = s.StoreSessionKey(ctxbg, "u1", "p1", []byte("key"))
	tcheck(t, err, "store session key")

	// Watches end when the store is closed.
	w, err := s.ObserveUsers(ctxbg)
	tcheck(t, err, "observe users")
	err = s.Close()
	tcheck(t, err, "close store")
	<-w.C // Initial value.
	if _, ok := <-w.C; ok {
		t.Fatalf("watch channel not closed after closing store")
	}

	// Data persists.
	s, err = Open(ctxbg, log, p, &fakeSealer{}, seal.ModeBiometrics)
	tcheck(t, err, "reopen store")
	defer s.Close()
	key, ok, err := s.LoadSessionKey(ctxbg, "p1")
	tcheck(t, err, "load session key")
	if !ok || string(key) != "key" {
		t.Fatalf("load after reopen: got %q, %v", key, ok)
	}
}
