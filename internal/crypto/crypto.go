// Package crypto implements the passphrase-derived AEAD envelope that
// seals every archive segment: PBKDF2 key derivation, the chunked
// streaming format, its legacy single-shot predecessor, and the
// passphrase verifier stored alongside each backup row.
package crypto

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize           = 32
	NonceSize          = 12
	KeySize            = 32
	TagSize            = 16
	PBKDF2Iterations   = 100_000
	DefaultChunkSize   = 64 << 20 // 64 MiB
	magic              = "SCRAT001"
)

var verifierPlaintext = []byte("scrat-backup-ver") // exactly 16 bytes
var verifierAAD = []byte("verify")
var trailerAAD = []byte("end")

// DeriveKey derives a 256-bit key from a passphrase and salt using
// PBKDF2-HMAC-SHA256 at the iteration count mandated by the spec.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// NewSalt returns a fresh random 32-byte salt for a new backup.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// NewIVSeed returns a fresh random 96-bit seed used to derive this
// archive's chunk nonces.
func NewIVSeed() ([12]byte, error) {
	var seed [12]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return seed, fmt.Errorf("generating iv seed: %w", err)
	}
	return seed, nil
}

// Verifier seals a constant plaintext under key with a zero nonce and
// AAD "verify", returning the hex-encoded ciphertext. Comparing
// verifiers (not re-deriving plaintext) lets a later run confirm a
// candidate passphrase without ever decrypting real archive content.
func Verifier(key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating gcm: %w", err)
	}
	zeroNonce := make([]byte, gcm.NonceSize())
	sealed := gcm.Seal(nil, zeroNonce, verifierPlaintext, verifierAAD)
	return hex.EncodeToString(sealed), nil
}

// CheckPassphrase reports whether passphrase, combined with salt,
// reproduces wantVerifier. It performs no destination I/O and no
// decryption of real content.
func CheckPassphrase(passphrase string, salt []byte, wantVerifier string) (bool, error) {
	key := DeriveKey(passphrase, salt)
	got, err := Verifier(key)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantVerifier)) == 1, nil
}

// chunkNonce derives chunk i's nonce deterministically from a per-archive
// seed: the low 32 bits of the seed are XORed with the big-endian chunk
// counter, keeping nonces unique within one archive's lifetime without a
// CSPRNG call per chunk.
func chunkNonce(seed [12]byte, counter uint32) [NonceSize]byte {
	var nonce [NonceSize]byte
	copy(nonce[:], seed[:])
	var ctr [4]byte
	binary.BigEndian.PutUint32(ctr[:], counter)
	for i := 0; i < 4; i++ {
		nonce[8+i] ^= ctr[i]
	}
	return nonce
}

// EncryptSegment writes the chunked AEAD envelope for one archive segment:
// magic, salt, chunk_size, then plaintext from r in chunk_size pieces,
// then the empty-plaintext trailer. It returns the total number of bytes
// written (the segment's stored_size).
func EncryptSegment(w io.Writer, r io.Reader, key []byte, salt []byte, ivSeed [12]byte, chunkSize uint32) (int64, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return 0, fmt.Errorf("creating gcm: %w", err)
	}

	var written int64
	countWrite := func(p []byte) error {
		n, err := w.Write(p)
		written += int64(n)
		return err
	}

	if err := countWrite([]byte(magic)); err != nil {
		return written, err
	}
	if err := countWrite(salt); err != nil {
		return written, err
	}
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], chunkSize)
	if err := countWrite(sizeBuf[:]); err != nil {
		return written, err
	}

	buf := make([]byte, chunkSize)
	var counter uint32
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			nonce := chunkNonce(ivSeed, counter)
			counter++
			ciphertext := gcm.Seal(nil, nonce[:], buf[:n], nil)
			if err := countWrite(nonce[:]); err != nil {
				return written, err
			}
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
			if err := countWrite(lenBuf[:]); err != nil {
				return written, err
			}
			if err := countWrite(ciphertext); err != nil {
				return written, err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return written, fmt.Errorf("reading plaintext: %w", readErr)
		}
	}

	trailerNonce := chunkNonce(ivSeed, counter)
	trailerSealed := gcm.Seal(nil, trailerNonce[:], nil, trailerAAD)
	if err := countWrite(trailerNonce[:]); err != nil {
		return written, err
	}
	var zero [4]byte
	if err := countWrite(zero[:]); err != nil {
		return written, err
	}
	if err := countWrite(trailerSealed); err != nil {
		return written, err
	}
	return written, nil
}

// ErrWrongPassphrase is returned by DecryptSegment when the legacy path
// is taken without the caller supplying the out-of-band salt needed to
// derive a key (the legacy envelope never embeds one).
var ErrWrongPassphrase = errors.New("crypto: legacy segment requires an out-of-band salt")

// DecryptSegment reads one archive segment from r and writes its
// recovered plaintext to w. It accepts both the chunked format (salt
// embedded, looked up via passphrase) and the legacy single-shot format
// (salt supplied by the caller from the backup row, since the legacy
// envelope never embeds one). Any AEAD tag failure is returned as-is;
// callers should classify it as an IntegrityError.
func DecryptSegment(w io.Writer, r io.Reader, passphrase string, legacySalt []byte) error {
	br := bufio.NewReaderSize(r, 1<<16)
	head, err := br.Peek(len(magic))
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading segment header: %w", err)
	}
	if string(head) == magic {
		return decryptChunked(w, br, passphrase)
	}
	if legacySalt == nil {
		return ErrWrongPassphrase
	}
	return decryptLegacy(w, br, passphrase, legacySalt)
}

func decryptChunked(w io.Writer, br *bufio.Reader, passphrase string) error {
	if _, err := io.CopyN(io.Discard, br, int64(len(magic))); err != nil {
		return fmt.Errorf("skipping magic: %w", err)
	}
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(br, salt); err != nil {
		return fmt.Errorf("reading salt: %w", err)
	}
	var sizeBuf [4]byte
	if _, err := io.ReadFull(br, sizeBuf[:]); err != nil {
		return fmt.Errorf("reading chunk size: %w", err)
	}

	key := DeriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("creating gcm: %w", err)
	}

	for {
		var nonce [NonceSize]byte
		if _, err := io.ReadFull(br, nonce[:]); err != nil {
			return fmt.Errorf("reading chunk nonce: %w", err)
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return fmt.Errorf("reading chunk length: %w", err)
		}
		ctLen := binary.LittleEndian.Uint32(lenBuf[:])
		if ctLen == 0 {
			tag := make([]byte, TagSize)
			if _, err := io.ReadFull(br, tag); err != nil {
				return fmt.Errorf("reading trailer tag: %w", err)
			}
			if _, err := gcm.Open(nil, nonce[:], tag, trailerAAD); err != nil {
				return fmt.Errorf("trailer authentication failed: %w", err)
			}
			return nil
		}
		ciphertext := make([]byte, ctLen)
		if _, err := io.ReadFull(br, ciphertext); err != nil {
			return fmt.Errorf("reading chunk ciphertext: %w", err)
		}
		plaintext, err := gcm.Open(nil, nonce[:], ciphertext, nil)
		if err != nil {
			return fmt.Errorf("chunk authentication failed: %w", err)
		}
		if _, err := w.Write(plaintext); err != nil {
			return fmt.Errorf("writing plaintext: %w", err)
		}
	}
}

func decryptLegacy(w io.Writer, br *bufio.Reader, passphrase string, salt []byte) error {
	key := DeriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("creating gcm: %w", err)
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(br, nonce[:]); err != nil {
		return fmt.Errorf("reading legacy nonce: %w", err)
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return fmt.Errorf("reading legacy ciphertext: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce[:], rest, nil)
	if err != nil {
		return fmt.Errorf("legacy authentication failed: %w", err)
	}
	_, err = w.Write(plaintext)
	return err
}
