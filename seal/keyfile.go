package seal

import (
	"bytes"
	"context"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/google/uuid"
	"github.com/mjl-/sconf"

	"github.com/ssekeep/ssekeep/mlog"
	"github.com/ssekeep/ssekeep/ssekeepio"
)

// Version of the ciphertext format written by Keyfile.
const keyfileVersion = 1

// version, key id, nonce.
const keyfileHeaderSize = 1 + 16 + chacha20poly1305.NonceSizeX

// keyfileData is the on-disk form of a Keyfile, in sconf format.
type keyfileData struct {
	ID  string `sconf-doc:"Identity of the master key. A new identity is generated when the key is reset, ciphertexts sealed with an older identity can no longer be unsealed."`
	Key string `sconf-doc:"Master key, 32 bytes, base64-encoded."`
}

// Keyfile is a Sealer with the master key kept in a file on disk, for hosts
// without a secure enclave. It mimics enclave behaviour: it can be locked,
// making operations unavailable, and its key can be reset, invalidating all
// earlier ciphertexts.
//
// Ciphertexts consist of a version byte, the 16-byte key identity, a 24-byte
// nonce and the XChaCha20-Poly1305 sealed data. The key per mode is derived from
// the master key with HKDF-SHA256. The header and mode are authenticated.
type Keyfile struct {
	// If set, operations on a locked Keyfile wait for Unlock or until the context
	// is done, instead of failing immediately with ErrUnavailable.
	WaitUnlock bool

	log  mlog.Log
	path string

	mu       sync.Mutex
	id       uuid.UUID
	master   []byte
	unlocked chan struct{} // Closed while unlocked, replaced by an open channel on Lock.
}

// GenerateKeyfile writes a new key file at path with a fresh random master key.
// An existing file is not overwritten.
func GenerateKeyfile(log mlog.Log, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file %s: %w", path, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat key file: %w", err)
	}
	id, master, err := newMasterKey()
	if err != nil {
		return err
	}
	return writeKeyfile(log, path, id, master)
}

// OpenKeyfile reads the key file at path. The returned Keyfile is unlocked.
func OpenKeyfile(log mlog.Log, path string) (*Keyfile, error) {
	var kd keyfileData
	if err := sconf.ParseFile(path, &kd); err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	id, err := uuid.Parse(kd.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing key identity: %w", err)
	}
	master, err := base64.StdEncoding.DecodeString(kd.Key)
	if err != nil {
		return nil, fmt.Errorf("parsing master key: %w", err)
	} else if len(master) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(master))
	}
	unlocked := make(chan struct{})
	close(unlocked)
	return &Keyfile{log: log, path: path, id: id, master: master, unlocked: unlocked}, nil
}

func newMasterKey() (uuid.UUID, []byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.UUID{}, nil, fmt.Errorf("generating key identity: %w", err)
	}
	master := make([]byte, chacha20poly1305.KeySize)
	if _, err := cryptorand.Read(master); err != nil {
		return uuid.UUID{}, nil, fmt.Errorf("generating master key: %w", err)
	}
	return id, master, nil
}

func writeKeyfile(log mlog.Log, path string, id uuid.UUID, master []byte) error {
	kd := keyfileData{ID: id.String(), Key: base64.StdEncoding.EncodeToString(master)}
	var b bytes.Buffer
	if err := sconf.Write(&b, kd); err != nil {
		return fmt.Errorf("encoding key file: %w", err)
	}
	if err := ssekeepio.WriteFileAtomic(log, path, b.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// ID returns the identity of the current master key.
func (k *Keyfile) ID() uuid.UUID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.id
}

// Reset replaces the master key and its identity, both in memory and on disk.
// All data sealed before the reset fails to unseal with ErrKeyInvalidated.
func (k *Keyfile) Reset() error {
	id, master, err := newMasterKey()
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := writeKeyfile(k.log, k.path, id, master); err != nil {
		return err
	}
	k.log.Info("master key reset", slog.String("id", id.String()), slog.String("previousid", k.id.String()))
	k.id = id
	k.master = master
	return nil
}

// Lock makes the keyfile unavailable, like a locked device.
func (k *Keyfile) Lock() {
	k.mu.Lock()
	defer k.mu.Unlock()
	select {
	case <-k.unlocked:
		k.unlocked = make(chan struct{})
	default:
	}
}

// Unlock makes the keyfile available again, waking up operations waiting for it.
func (k *Keyfile) Unlock() {
	k.mu.Lock()
	defer k.mu.Unlock()
	select {
	case <-k.unlocked:
	default:
		close(k.unlocked)
	}
}

// Locked returns whether operations are currently unavailable.
func (k *Keyfile) Locked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	select {
	case <-k.unlocked:
		return false
	default:
		return true
	}
}

// key waits until the keyfile is unlocked (if WaitUnlock is set) and returns the
// current key identity and master key.
func (k *Keyfile) key(ctx context.Context) (uuid.UUID, []byte, error) {
	for {
		k.mu.Lock()
		unlocked := k.unlocked
		id, master := k.id, k.master
		k.mu.Unlock()

		select {
		case <-unlocked:
			return id, master, nil
		default:
		}
		if !k.WaitUnlock {
			return uuid.UUID{}, nil, fmt.Errorf("%w: locked", ErrUnavailable)
		}
		select {
		case <-unlocked:
			// Check again, we may have been locked again in the mean time.
		case <-ctx.Done():
			return uuid.UUID{}, nil, fmt.Errorf("%w: waiting for unlock: %w", ErrUnavailable, ctx.Err())
		}
	}
}

func modeAEAD(id uuid.UUID, master []byte, mode Mode) (cipher.AEAD, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	r := hkdf.New(sha256.New, master, id[:], []byte("ssekeep seal "+string(mode)))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

func additionalData(header []byte, mode Mode) []byte {
	return append(append([]byte{}, header...), mode...)
}

// Seal encrypts plaintext with the key for mode.
func (k *Keyfile) Seal(ctx context.Context, plaintext []byte, mode Mode) ([]byte, error) {
	id, master, err := k.key(ctx)
	if err != nil {
		return nil, err
	}
	aead, err := modeAEAD(id, master, mode)
	if err != nil {
		return nil, err
	}

	header := make([]byte, keyfileHeaderSize, keyfileHeaderSize+len(plaintext)+aead.Overhead())
	header[0] = keyfileVersion
	copy(header[1:17], id[:])
	if _, err := cryptorand.Read(header[17:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(header, header[17:], plaintext, additionalData(header, mode)), nil
}

// Unseal decrypts ciphertext previously returned by Seal with the same mode.
func (k *Keyfile) Unseal(ctx context.Context, ciphertext []byte, mode Mode) ([]byte, error) {
	if len(ciphertext) < keyfileHeaderSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short (%d bytes)", ErrCorrupt, len(ciphertext))
	} else if ciphertext[0] != keyfileVersion {
		return nil, fmt.Errorf("%w: unknown ciphertext version %d", ErrCorrupt, ciphertext[0])
	}

	id, master, err := k.key(ctx)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(ciphertext[1:17], id[:]) {
		return nil, fmt.Errorf("%w: sealed with another master key", ErrKeyInvalidated)
	}
	aead, err := modeAEAD(id, master, mode)
	if err != nil {
		return nil, err
	}
	header := ciphertext[:keyfileHeaderSize]
	plaintext, err := aead.Open(nil, header[17:], ciphertext[keyfileHeaderSize:], additionalData(header, mode))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plaintext, nil
}
