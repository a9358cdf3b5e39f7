// Package crypto implements wM-Bus payload decryption per EN 13757-4 §9 /
// OMS Volume 2: CI-byte mode selection, deterministic per-device key
// derivation, and the four cipher modes (CTR/Mode 5, CBC/Mode 7, ECB/ELL,
// GCM truncated-tag/Mode 9).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"meterbus.dev/crc"
)

// Mode identifies the cipher mode selected by a frame's CI byte.
type Mode int

const (
	ModeNone Mode = iota
	ModeCTR
	ModeCBC
	ModeECB
	ModeGCM
)

func (m Mode) String() string {
	switch m {
	case ModeCTR:
		return "CTR"
	case ModeCBC:
		return "CBC"
	case ModeECB:
		return "ECB"
	case ModeGCM:
		return "GCM"
	default:
		return "None"
	}
}

// Errors. Closed set per §4.6.
var (
	ErrInvalidKeyLength    = errors.New("crypto: invalid key length")
	ErrUnsupportedMode     = errors.New("crypto: unsupported mode for CI byte")
	ErrInvalidIV           = errors.New("crypto: invalid IV")
	ErrDecryptionFailed    = errors.New("crypto: decryption failed")
	ErrEncryptionFailed    = errors.New("crypto: encryption failed")
	ErrInvalidFrame        = errors.New("crypto: invalid frame")
	ErrKeyDerivationFailed = errors.New("crypto: key derivation failed")
)

// InvalidDataLengthError reports a plaintext/ciphertext length that does
// not satisfy a mode's block-alignment requirement.
type InvalidDataLengthError struct {
	BlockSize int
	Actual    int
}

func (e *InvalidDataLengthError) Error() string {
	return fmt.Sprintf("crypto: invalid data length %d, want multiple of %d", e.Actual, e.BlockSize)
}

// ModeForCI returns the cipher mode indicated by a frame's CI byte, per
// §4.6's mode table. CI values not in any recognized range return ModeNone;
// the caller treats ModeNone on a frame the decoder flagged encrypted as a
// protocol error (see wmbus.ciIndicatesEncryption).
func ModeForCI(ci byte) Mode {
	switch {
	case ci == 0x7A || ci == 0x7B:
		return ModeCTR
	case ci == 0x8A || ci == 0x8B:
		return ModeCBC
	case ci == 0x89:
		return ModeGCM
	case ci >= 0x90 && ci <= 0x97:
		return ModeECB
	default:
		return ModeNone
	}
}

// DeviceID identifies a meter for key derivation, IV/nonce construction,
// and AAD assembly.
type DeviceID struct {
	Address      uint32
	Manufacturer uint16
	Version      byte
	DeviceType   byte
	Access       uint64 // low 48 bits used for GCM nonce
}

// DeriveKey computes the per-device AES key from a 16-byte master key,
// per §4.6: device_id little-endian bytes are XORed into positions
// [0:4] and [4:8]; manufacturer little-endian bytes are XORed into
// positions [8:10] and [10:12].
func DeriveKey(master []byte, dev DeviceID) ([]byte, error) {
	if len(master) != 16 {
		return nil, ErrInvalidKeyLength
	}
	key := append([]byte(nil), master...)

	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], dev.Address)
	for i := 0; i < 4; i++ {
		key[i] ^= idBuf[i]
		key[4+i] ^= idBuf[i]
	}

	var mfrBuf [2]byte
	binary.LittleEndian.PutUint16(mfrBuf[:], dev.Manufacturer)
	for i := 0; i < 2; i++ {
		key[8+i] ^= mfrBuf[i]
		key[10+i] ^= mfrBuf[i]
	}
	return key, nil
}

// ctrIV builds the Mode 5 IV: M(2 LE)‖ID(4 LE)‖V‖T‖zeros(8).
func ctrIV(dev DeviceID) [16]byte {
	var iv [16]byte
	binary.LittleEndian.PutUint16(iv[0:2], dev.Manufacturer)
	binary.LittleEndian.PutUint32(iv[2:6], dev.Address)
	iv[6] = dev.Version
	iv[7] = dev.DeviceType
	return iv
}

// cbcIV builds the Mode 7 IV: same head as CTR, with a deterministic
// 8-byte tail: the 4 device ID bytes (little-endian) followed by the same
// 4 bytes each XORed with the version byte.
func cbcIV(dev DeviceID) [16]byte {
	iv := ctrIV(dev)
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], dev.Address)
	for i := 0; i < 4; i++ {
		iv[8+i] = idBuf[i]
		iv[12+i] = idBuf[i] ^ dev.Version
	}
	return iv
}

// GCMNonce builds the Mode 9 nonce: M(2 LE)‖ID(4 LE)‖access(6 LE).
func GCMNonce(dev DeviceID) [12]byte {
	var n [12]byte
	binary.LittleEndian.PutUint16(n[0:2], dev.Manufacturer)
	binary.LittleEndian.PutUint32(n[2:6], dev.Address)
	var accessBuf [8]byte
	binary.LittleEndian.PutUint64(accessBuf[:], dev.Access)
	copy(n[6:12], accessBuf[:6])
	return n
}

// AAD builds the Mode 9 additional authenticated data, 11 bytes: the 10
// header bytes (L‖C‖M‖A‖V‖T) followed by the low nibble of the access number.
func AAD(header [10]byte, dev DeviceID) []byte {
	aad := make([]byte, 11)
	copy(aad, header[:])
	aad[10] = byte(dev.Access) & 0x0F
	return aad
}

// DecryptCTR decrypts ciphertext encrypted under Mode 5: AES-CTR with the
// IV built by ctrIV, counter incrementing from the least-significant byte
// with carry (the standard big-endian-counter semantics of
// crypto/cipher.NewCTR over this IV layout).
func DecryptCTR(key []byte, dev DeviceID, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", ErrInvalidKeyLength, err)
	}
	iv := ctrIV(dev)
	stream := cipher.NewCTR(block, iv[:])
	out := make([]byte, len(ciphertext))
	stream.XORKeyStream(out, ciphertext)
	return out, nil
}

// EncryptCTR is the inverse of DecryptCTR (CTR mode is its own inverse).
func EncryptCTR(key []byte, dev DeviceID, plaintext []byte) ([]byte, error) {
	return DecryptCTR(key, dev, plaintext)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+padLen)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrDecryptionFailed
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > len(b) || padLen > aes.BlockSize {
		return nil, ErrDecryptionFailed
	}
	for _, p := range b[len(b)-padLen:] {
		if int(p) != padLen {
			return nil, ErrDecryptionFailed
		}
	}
	return b[:len(b)-padLen], nil
}

// DecryptCBC decrypts ciphertext encrypted under Mode 7: AES-CBC with the
// IV built by cbcIV and PKCS#7 padding validated and stripped.
func DecryptCBC(key []byte, dev DeviceID, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", ErrInvalidKeyLength, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, &InvalidDataLengthError{BlockSize: aes.BlockSize, Actual: len(ciphertext)}
	}
	iv := cbcIV(dev)
	mode := cipher.NewCBCDecrypter(block, iv[:])
	out := make([]byte, len(ciphertext))
	mode.CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

// EncryptCBC encrypts plaintext under Mode 7, padding with PKCS#7.
func EncryptCBC(key []byte, dev DeviceID, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", ErrInvalidKeyLength, err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv := cbcIV(dev)
	mode := cipher.NewCBCEncrypter(block, iv[:])
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	return out, nil
}

// DecryptECB decrypts ciphertext encrypted under ECB/ELL mode. Input must
// already be block-aligned; ECB carries no IV.
func DecryptECB(key []byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", ErrInvalidKeyLength, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, &InvalidDataLengthError{BlockSize: aes.BlockSize, Actual: len(ciphertext)}
	}
	out := make([]byte, len(ciphertext))
	for off := 0; off < len(ciphertext); off += aes.BlockSize {
		block.Decrypt(out[off:off+aes.BlockSize], ciphertext[off:off+aes.BlockSize])
	}
	return pkcs7Unpad(out)
}

// EncryptECB encrypts plaintext under ECB/ELL mode, padding with PKCS#7.
func EncryptECB(key []byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", ErrInvalidKeyLength, err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	for off := 0; off < len(padded); off += aes.BlockSize {
		block.Encrypt(out[off:off+aes.BlockSize], padded[off:off+aes.BlockSize])
	}
	return out, nil
}

// GCMTagSize selects the Mode 9 tag length: OMS mandates a 12-byte
// truncated tag, but some field devices use the full 16-byte GCM tag.
// Open Question 3 (SPEC_FULL.md §9): both are supported via this switch.
type GCMTagSize int

const (
	GCMTagOMS    GCMTagSize = 12
	GCMTagCompat GCMTagSize = 16
)

// DecryptGCM authenticates and decrypts ciphertext||tag under Mode 9. If
// plaintextCRC is true, the first two bytes of the decrypted plaintext are
// treated as a little-endian CRC-16/CCITT over the remaining plaintext
// (per §4.6's optional Mode 9 plaintext check) and verified before return.
func DecryptGCM(key []byte, nonce [12]byte, aad, ciphertextAndTag []byte, tagSize GCMTagSize, plaintextCRC bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", ErrInvalidKeyLength, err)
	}
	aesgcm, err := cipher.NewGCMWithTagSize(block, int(tagSize))
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", ErrInvalidFrame, err)
	}
	plaintext, err := aesgcm.Open(nil, nonce[:], ciphertextAndTag, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if plaintextCRC {
		if len(plaintext) < 2 {
			return nil, ErrDecryptionFailed
		}
		wire := uint16(plaintext[0]) | uint16(plaintext[1])<<8
		computed := crc.CCITTComplement(plaintext[2:])
		if computed != wire && crc.CCITT(plaintext[2:]) != wire {
			return nil, ErrDecryptionFailed
		}
		plaintext = plaintext[2:]
	}
	return plaintext, nil
}

// EncryptGCM encrypts plaintext and appends the authentication tag, the
// inverse of DecryptGCM. When plaintextCRC is true, a 2-byte little-endian
// CRC-16/CCITT (ones'-complemented) is prepended to the plaintext before
// sealing.
func EncryptGCM(key []byte, nonce [12]byte, aad, plaintext []byte, tagSize GCMTagSize, plaintextCRC bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", ErrInvalidKeyLength, err)
	}
	aesgcm, err := cipher.NewGCMWithTagSize(block, int(tagSize))
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", ErrInvalidFrame, err)
	}
	if plaintextCRC {
		c := crc.CCITTComplement(plaintext)
		withCRC := make([]byte, 2+len(plaintext))
		withCRC[0] = byte(c)
		withCRC[1] = byte(c >> 8)
		copy(withCRC[2:], plaintext)
		plaintext = withCRC
	}
	return aesgcm.Seal(nil, nonce[:], plaintext, aad), nil
}

// Decrypt dispatches to the mode-specific decryptor selected by ci,
// returning ErrUnsupportedMode if the CI byte does not select a cipher.
func Decrypt(ci byte, key []byte, dev DeviceID, aad, payload []byte, tagSize GCMTagSize, plaintextCRC bool) ([]byte, error) {
	switch ModeForCI(ci) {
	case ModeCTR:
		return DecryptCTR(key, dev, payload)
	case ModeCBC:
		return DecryptCBC(key, dev, payload)
	case ModeECB:
		return DecryptECB(key, payload)
	case ModeGCM:
		nonce := GCMNonce(dev)
		return DecryptGCM(key, nonce, aad, payload, tagSize, plaintextCRC)
	default:
		return nil, ErrUnsupportedMode
	}
}
