package rendezvous

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/zstd"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/transport"
)

// CompressedPrefix marks a compressed encoding.
const CompressedPrefix = "lz:"

// Payload is what travels through a code or a copy-pasted blob.
type Payload struct {
	SDP         transport.SessionDescription `json:"sdp"`
	HostID      string                       `json:"hostId,omitempty"`
	AutoConnect bool                         `json:"autoConnect,omitempty"`
}

// maxDecoded caps a decompressed payload. Real offers are a few KiB.
const maxDecoded = 1 << 20

var (
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	codecOnce   sync.Once
	codecErr    error
	validatePay = validator.New()
)

func initCodec() {
	encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if codecErr != nil {
		return
	}
	decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecoded))
}

// Encode serializes p. With compress set, the compressed form is used only
// when it is shorter than the plain one.
func Encode(p Payload, compress bool) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	plain := base64.StdEncoding.EncodeToString(raw)
	if !compress {
		return plain, nil
	}

	codecOnce.Do(initCodec)
	if codecErr != nil {
		return plain, nil
	}
	packed := CompressedPrefix + base64.StdEncoding.EncodeToString(encoder.EncodeAll(raw, nil))
	if len(packed) < len(plain) {
		return packed, nil
	}
	return plain, nil
}

// Decode reverses Encode, branching on the compression marker.
func Decode(s string) (Payload, error) {
	s = strings.TrimSpace(s)
	var raw []byte
	if strings.HasPrefix(strings.ToLower(s), CompressedPrefix) {
		packed, err := base64.StdEncoding.DecodeString(s[len(CompressedPrefix):])
		if err != nil {
			return Payload{}, invalid(err)
		}
		codecOnce.Do(initCodec)
		if codecErr != nil {
			return Payload{}, invalid(codecErr)
		}
		raw, err = decoder.DecodeAll(packed, nil)
		if err != nil {
			return Payload{}, invalid(err)
		}
	} else {
		var err error
		raw, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Payload{}, invalid(err)
		}
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, invalid(err)
	}
	if err := validatePay.Struct(p); err != nil {
		return Payload{}, invalid(err)
	}
	return p, nil
}

func invalid(err error) error {
	return &apperr.Error{Kind: apperr.KindValidation, Op: "decode session code", Message: "invalid session code", Err: err}
}
