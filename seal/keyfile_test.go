package seal

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssekeep/ssekeep/mlog"
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

func newKeyfile(t *testing.T) (*Keyfile, string) {
	t.Helper()
	log := mlog.New("seal", nil)
	p := filepath.Join(t.TempDir(), "seal.key")
	err := GenerateKeyfile(log, p)
	tcheck(t, err, "generate keyfile")
	k, err := OpenKeyfile(log, p)
	tcheck(t, err, "open keyfile")
	return k, p
}

func TestKeyfile(t *testing.T) {
	log := mlog.New("seal", nil)
	k, p := newKeyfile(t)

	err := GenerateKeyfile(log, p)
	tneedError(t, err, fs.ErrExist, "generate over existing file")

	secret := []byte("push identifier session key")
	sealed, err := k.Seal(ctxbg, secret, ModeDeviceLock)
	tcheck(t, err, "seal")
	if bytes.Contains(sealed, secret) {
		t.Fatalf("sealed data contains plaintext")
	}

	opened, err := k.Unseal(ctxbg, sealed, ModeDeviceLock)
	tcheck(t, err, "unseal")
	if !bytes.Equal(opened, secret) {
		t.Fatalf("unsealed %q, expected %q", opened, secret)
	}

	// Sealing twice gives different ciphertexts due to random nonce.
	sealed2, err := k.Seal(ctxbg, secret, ModeDeviceLock)
	tcheck(t, err, "seal again")
	if bytes.Equal(sealed, sealed2) {
		t.Fatalf("two seals of same plaintext are identical")
	}

	// Another mode cannot open the ciphertext.
	_, err = k.Unseal(ctxbg, sealed, ModeBiometrics)
	tneedError(t, err, ErrCorrupt, "unseal with other mode")

	// Unknown mode is not one of the capability errors.
	_, err = k.Seal(ctxbg, secret, Mode("bogus"))
	if err == nil || Kind(err) != "error" {
		t.Fatalf("seal with unknown mode: got %v, expected plain error", err)
	}

	// Tampering.
	tampered := append([]byte{}, sealed...)
	tampered[len(tampered)-1] ^= 1
	_, err = k.Unseal(ctxbg, tampered, ModeDeviceLock)
	tneedError(t, err, ErrCorrupt, "unseal tampered")

	_, err = k.Unseal(ctxbg, sealed[:10], ModeDeviceLock)
	tneedError(t, err, ErrCorrupt, "unseal truncated")

	badversion := append([]byte{}, sealed...)
	badversion[0] = 2
	_, err = k.Unseal(ctxbg, badversion, ModeDeviceLock)
	tneedError(t, err, ErrCorrupt, "unseal unknown version")

	// Key file survives reopening.
	k2, err := OpenKeyfile(log, p)
	tcheck(t, err, "reopen keyfile")
	opened, err = k2.Unseal(ctxbg, sealed, ModeDeviceLock)
	tcheck(t, err, "unseal after reopen")
	if !bytes.Equal(opened, secret) {
		t.Fatalf("unsealed %q after reopen, expected %q", opened, secret)
	}

	// After reset, old ciphertexts are invalidated, also after reopening.
	oldID := k.ID()
	err = k.Reset()
	tcheck(t, err, "reset")
	if k.ID() == oldID {
		t.Fatalf("key identity did not change after reset")
	}
	_, err = k.Unseal(ctxbg, sealed, ModeDeviceLock)
	tneedError(t, err, ErrKeyInvalidated, "unseal after reset")
	k3, err := OpenKeyfile(log, p)
	tcheck(t, err, "reopen keyfile after reset")
	_, err = k3.Unseal(ctxbg, sealed, ModeDeviceLock)
	tneedError(t, err, ErrKeyInvalidated, "unseal after reset and reopen")

	sealed, err = k.Seal(ctxbg, secret, ModeSystemPassword)
	tcheck(t, err, "seal after reset")
	_, err = k3.Unseal(ctxbg, sealed, ModeSystemPassword)
	tcheck(t, err, "unseal with new key")
}

func TestKeyfileLocked(t *testing.T) {
	k, _ := newKeyfile(t)
	secret := []byte("secret")

	sealed, err := k.Seal(ctxbg, secret, ModeDeviceLock)
	tcheck(t, err, "seal")

	k.Lock()
	if !k.Locked() {
		t.Fatalf("keyfile not locked after Lock")
	}
	_, err = k.Seal(ctxbg, secret, ModeDeviceLock)
	tneedError(t, err, ErrUnavailable, "seal while locked")
	_, err = k.Unseal(ctxbg, sealed, ModeDeviceLock)
	tneedError(t, err, ErrUnavailable, "unseal while locked")

	// Corrupt data is recognized without needing the key.
	_, err = k.Unseal(ctxbg, sealed[:5], ModeDeviceLock)
	tneedError(t, err, ErrCorrupt, "unseal truncated while locked")

	// Waiting operation is abandoned when its context is canceled.
	k.WaitUnlock = true
	ctx, cancel := context.WithTimeout(ctxbg, 50*time.Millisecond)
	defer cancel()
	_, err = k.Unseal(ctx, sealed, ModeDeviceLock)
	tneedError(t, err, ErrUnavailable, "unseal with canceled wait")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got err %v, expected deadline exceeded", err)
	}

	// Waiting operation completes after unlock.
	type result struct {
		buf []byte
		err error
	}
	resultc := make(chan result, 1)
	go func() {
		buf, err := k.Unseal(ctxbg, sealed, ModeDeviceLock)
		resultc <- result{buf, err}
	}()
	time.Sleep(20 * time.Millisecond)
	k.Unlock()
	select {
	case r := <-resultc:
		tcheck(t, r.err, "unseal after waiting")
		if !bytes.Equal(r.buf, secret) {
			t.Fatalf("unsealed %q, expected %q", r.buf, secret)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("unseal did not complete after unlock")
	}
	if k.Locked() {
		t.Fatalf("keyfile locked after Unlock")
	}
}

func TestKind(t *testing.T) {
	test := func(err error, exp string) {
		t.Helper()
		if kind := Kind(err); kind != exp {
			t.Fatalf("kind of %v: got %q, expected %q", err, kind, exp)
		}
	}
	test(nil, "ok")
	test(ErrUnavailable, "unavailable")
	test(ErrKeyInvalidated, "invalidated")
	test(ErrCorrupt, "corrupt")
	test(errors.New("other"), "error")

	if m, err := ParseMode("biometrics"); err != nil || m != ModeBiometrics {
		t.Fatalf("parse mode: got %q, %v", m, err)
	}
	if _, err := ParseMode("none"); err == nil {
		t.Fatalf("parse unknown mode succeeded")
	}
}
