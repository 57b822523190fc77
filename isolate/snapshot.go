package isolate

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// stateEnvelopePrefix marks a snapshot state compressed by this package.
// States without it are taken as the interpreter's own base64 text.
const stateEnvelopePrefix = "zstd:"

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// sealState compresses the interpreter's base64 state for transport.
func sealState(interpState string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(interpState)
	if err != nil {
		return "", fmt.Errorf("decode interpreter state: %w", err)
	}
	packed := zstdEncoder.EncodeAll(raw, nil)
	return stateEnvelopePrefix + base64.StdEncoding.EncodeToString(packed), nil
}

// openState reverses sealState, returning base64 text for the interpreter.
func openState(state string) (string, error) {
	body, ok := strings.CutPrefix(state, stateEnvelopePrefix)
	if !ok {
		if _, err := base64.StdEncoding.DecodeString(state); err != nil {
			return "", fmt.Errorf("invalid snapshot state: %w", err)
		}
		return state, nil
	}
	packed, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("invalid snapshot state: %w", err)
	}
	raw, err := zstdDecoder.DecodeAll(packed, nil)
	if err != nil {
		return "", fmt.Errorf("decompress snapshot state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
