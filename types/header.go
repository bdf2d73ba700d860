package types

import (
	"errors"
	"fmt"

	tmbytes "github.com/BamaHodl/Fulcrum/libs/bytes"
)

// RawHeaderLen is the length of a serialized block header on the wire.
const RawHeaderLen = 80

var ErrBadRawHeaderLen = errors.New("raw header has wrong length")

// Header is one indexed block header: its chain height, its hash, and the
// raw serialized header bytes as returned by the remote node.
type Header struct {
	Height int64            `json:"height"`
	Hash   tmbytes.HexBytes `json:"hash"`
	Raw    tmbytes.HexBytes `json:"raw"`
}

// ValidateBasic performs stateless checks on the header.
func (h Header) ValidateBasic() error {
	if h.Height < 0 {
		return fmt.Errorf("negative height %d", h.Height)
	}
	if len(h.Raw) != RawHeaderLen {
		return fmt.Errorf("%w: got %d, want %d", ErrBadRawHeaderLen, len(h.Raw), RawHeaderLen)
	}
	return nil
}

func (h Header) String() string {
	return fmt.Sprintf("Header{%d %s}", h.Height, h.Hash)
}
