package transport

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/mtproto/crypto"
)

const (
	// rawHeaderSize covers the unencrypted key fingerprint and message key.
	rawHeaderSize = 8 + 16
	// encHeaderSize covers the encrypted salt and session id.
	encHeaderSize = 8 + 8
	// prefixSize covers the per-message id, sequence number and length.
	prefixSize = 8 + 4 + 4

	noCryptoHeaderSize = 8

	minPadV2 = 12
	maxPadV2 = 1024
)

// padBuckets are the allowed version-2 ciphertext sizes for the encrypted
// region before falling back to 448-byte steps.
var padBuckets = [...]int{64, 128, 192, 256, 384, 512, 768, 1024, 1280}

func calcCryptoSize(dataSize int) int {
	return rawHeaderSize + (encHeaderSize+dataSize+15)&^15
}

func calcCryptoSize2(dataSize int, useRandomPadding bool) (int, error) {
	if useRandomPadding {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("generating padding size: %w", err)
		}
		return rawHeaderSize + (encHeaderSize+dataSize+int(b[0])+minPadV2+15)&^15, nil
	}
	encryptedSize := (encHeaderSize + dataSize + minPadV2 + 15) &^ 15
	for _, size := range padBuckets {
		if encryptedSize <= size {
			return rawHeaderSize + size, nil
		}
	}
	encryptedSize = (encryptedSize-1280+447)/448*448 + 1280
	return rawHeaderSize + encryptedSize, nil
}

// WriteCrypto seals payload into an encrypted envelope. The payload length
// must be a multiple of 4. info supplies the salt, session id, message id
// and sequence number; WriteCrypto stores the derived quick-ack token back
// into info.MessageAck.
func WriteCrypto(payload []byte, authKey *crypto.AuthKey, side Side, info *PacketInfo) ([]byte, error) {
	if authKey.Empty() {
		return nil, ErrAuthKeyEmpty
	}
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: payload length %d is not a multiple of 4", ErrMalformedPacket, len(payload))
	}

	dataSize := prefixSize + len(payload)
	var totalSize int
	if info.Version == 1 {
		totalSize = calcCryptoSize(dataSize)
	} else {
		size, err := calcCryptoSize2(dataSize, info.UseRandomPadding)
		if err != nil {
			return nil, err
		}
		totalSize = size
	}

	packet := make([]byte, totalSize)
	binary.LittleEndian.PutUint64(packet[0:8], authKey.ID())

	plaintext := packet[rawHeaderSize:]
	binary.LittleEndian.PutUint64(plaintext[0:8], info.Salt)
	binary.LittleEndian.PutUint64(plaintext[8:16], info.SessionID)
	binary.LittleEndian.PutUint64(plaintext[16:24], info.MessageID)
	binary.LittleEndian.PutUint32(plaintext[24:28], info.SeqNo)
	binary.LittleEndian.PutUint32(plaintext[28:32], uint32(len(payload)))
	copy(plaintext[encHeaderSize+prefixSize:], payload)
	if _, err := rand.Read(plaintext[encHeaderSize+dataSize:]); err != nil {
		return nil, fmt.Errorf("generating padding: %w", err)
	}

	x := side.writeX()
	var msgKey [16]byte
	if info.Version == 1 {
		info.MessageAck, msgKey = crypto.MessageKeyV1(plaintext[:encHeaderSize+dataSize])
	} else {
		info.MessageAck, msgKey = crypto.MessageKeyV2(authKey.Key(), plaintext, x)
	}
	copy(packet[8:24], msgKey[:])

	var aesKey, aesIV [32]byte
	if info.Version == 1 {
		aesKey, aesIV = crypto.KDF(authKey.Key(), msgKey[:], x)
	} else {
		aesKey, aesIV = crypto.KDF2(authKey.Key(), msgKey[:], x)
	}
	if err := crypto.IGEEncrypt(aesKey[:], aesIV[:], plaintext, plaintext); err != nil {
		return nil, err
	}
	return packet, nil
}

// WriteNoCrypto wraps payload into the handshake-phase envelope: a zero key
// fingerprint, the message id and the payload length.
func WriteNoCrypto(payload []byte, info *PacketInfo) ([]byte, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: payload length %d is not a multiple of 4", ErrMalformedPacket, len(payload))
	}
	packet := make([]byte, noCryptoHeaderSize+prefixSize-4+len(payload))
	binary.LittleEndian.PutUint64(packet[8:16], info.MessageID)
	binary.LittleEndian.PutUint32(packet[16:20], uint32(len(payload)))
	copy(packet[20:], payload)
	return packet, nil
}

// ReadResultKind classifies what a frame decoded into.
type ReadResultKind int

const (
	ReadResultNop ReadResultKind = iota
	ReadResultQuickAck
	ReadResultError
	ReadResultPacket
)

// ReadResult is the outcome of decoding one wire frame.
type ReadResult struct {
	Kind      ReadResultKind
	QuickAck  uint32
	ErrorCode int32
	Payload   []byte
}

// Read decodes one complete frame. Frames shorter than a minimal envelope
// carry control values: zero padding (ignored), a quick-ack token, or a
// framing-level error code. Anything else is an unencrypted or encrypted
// packet; for encrypted packets the message key is verified before any
// decrypted field is trusted.
func Read(message []byte, authKey *crypto.AuthKey, side Side, info *PacketInfo) (ReadResult, error) {
	if len(message) < 16 {
		if len(message) < 4 {
			return ReadResult{}, fmt.Errorf("%w: frame of %d bytes", ErrMalformedPacket, len(message))
		}
		code := int32(binary.LittleEndian.Uint32(message[0:4]))
		switch {
		case code == 0:
			return ReadResult{Kind: ReadResultNop}, nil
		case code == -1 && len(message) >= 8:
			return ReadResult{Kind: ReadResultQuickAck, QuickAck: binary.LittleEndian.Uint32(message[4:8])}, nil
		default:
			return ReadResult{Kind: ReadResultError, ErrorCode: code}, nil
		}
	}

	if binary.LittleEndian.Uint64(message[0:8]) == 0 {
		info.NoCrypto = true
		payload, err := readNoCrypto(message, info)
		if err != nil {
			return ReadResult{}, err
		}
		return ReadResult{Kind: ReadResultPacket, Payload: payload}, nil
	}

	info.NoCrypto = false
	if authKey.Empty() {
		return ReadResult{}, ErrAuthKeyEmpty
	}
	payload, err := readCrypto(message, authKey, side, info)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Kind: ReadResultPacket, Payload: payload}, nil
}

func readNoCrypto(message []byte, info *PacketInfo) ([]byte, error) {
	if len(message) < noCryptoHeaderSize+prefixSize-4 {
		return nil, fmt.Errorf("%w: unencrypted frame of %d bytes", ErrMalformedPacket, len(message))
	}
	info.MessageID = binary.LittleEndian.Uint64(message[8:16])
	length := binary.LittleEndian.Uint32(message[16:20])
	if length%4 != 0 || int(length) > len(message)-20 {
		return nil, fmt.Errorf("%w: unencrypted length %d in frame of %d bytes", ErrMalformedPacket, length, len(message))
	}
	return message[20 : 20+length], nil
}

func readCrypto(message []byte, authKey *crypto.AuthKey, side Side, info *PacketInfo) ([]byte, error) {
	if binary.LittleEndian.Uint64(message[0:8]) != authKey.ID() {
		return nil, fmt.Errorf("%w: packet names key %016x, holding %016x",
			ErrKeyFingerprintMismatch, binary.LittleEndian.Uint64(message[0:8]), authKey.ID())
	}
	if (len(message)-rawHeaderSize)%crypto.IGEBlockSize != 0 || len(message) < rawHeaderSize+encHeaderSize+prefixSize {
		return nil, fmt.Errorf("%w: encrypted frame of %d bytes", ErrMalformedPacket, len(message))
	}

	var wireKey [16]byte
	copy(wireKey[:], message[8:24])

	x := side.readX()
	var aesKey, aesIV [32]byte
	if info.Version == 1 {
		aesKey, aesIV = crypto.KDF(authKey.Key(), wireKey[:], x)
	} else {
		aesKey, aesIV = crypto.KDF2(authKey.Key(), wireKey[:], x)
	}
	plaintext := make([]byte, len(message)-rawHeaderSize)
	if err := crypto.IGEDecrypt(aesKey[:], aesIV[:], plaintext, message[rawHeaderSize:]); err != nil {
		return nil, err
	}

	tailSize := len(plaintext) - encHeaderSize
	length := binary.LittleEndian.Uint32(plaintext[28:32])
	dataSize := int(length) + prefixSize

	var realKey [16]byte
	lengthBad := false
	if info.Version == 1 {
		lengthBad = length%4 != 0 || calcCryptoSize(dataSize) != len(message)
		checkSize := dataSize
		if lengthBad {
			checkSize = tailSize
		}
		info.MessageAck, realKey = crypto.MessageKeyV1(plaintext[:encHeaderSize+checkSize])
	} else {
		info.MessageAck, realKey = crypto.MessageKeyV2(authKey.Key(), plaintext, x)
	}
	if subtle.ConstantTimeCompare(realKey[:], wireKey[:]) != 1 {
		return nil, ErrMessageKeyMismatch
	}

	if info.Version == 1 {
		if lengthBad {
			return nil, fmt.Errorf("%w: invalid length %d in frame of %d bytes", ErrMalformedPacket, length, len(message))
		}
	} else {
		if length%4 != 0 {
			return nil, fmt.Errorf("%w: length %d is not a multiple of 4", ErrMalformedPacket, length)
		}
		if tailSize-prefixSize < int(length) {
			return nil, fmt.Errorf("%w: length %d exceeds frame", ErrMalformedPacket, length)
		}
		if pad := tailSize - dataSize; pad < minPadV2 || pad > maxPadV2 {
			return nil, fmt.Errorf("%w: padding of %d bytes", ErrMalformedPacket, tailSize-dataSize)
		}
	}

	info.Salt = binary.LittleEndian.Uint64(plaintext[0:8])
	info.SessionID = binary.LittleEndian.Uint64(plaintext[8:16])
	info.MessageID = binary.LittleEndian.Uint64(plaintext[16:24])
	info.SeqNo = binary.LittleEndian.Uint32(plaintext[24:28])
	return plaintext[encHeaderSize+prefixSize : encHeaderSize+dataSize], nil
}
