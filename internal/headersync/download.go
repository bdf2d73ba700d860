package headersync

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/BamaHodl/Fulcrum/types"
)

// HeaderStore is the slice of the storage engine the sync core needs.
// Commit failures surface as task errors, never as controller faults.
type HeaderStore interface {
	NumHeaders() int64
	Commit(headers []types.Header) error
}

// downloadTask fetches one span of headers in ascending order, committing to
// the index in batches as it progresses. Its reported progress is the
// fraction of its own span that has been committed.
type downloadTask struct {
	span      Span
	batchSize int
	store     HeaderStore
}

func (d *downloadTask) run(ctx context.Context, t *baseTask) error {
	var done int64

	for h := d.span.From; h < d.span.To; {
		n := int64(d.batchSize)
		if rest := d.span.To - h; n > rest {
			n = rest
		}

		headers := make([]types.Header, 0, n)
		for i := int64(0); i < n; i++ {
			header, err := d.fetchHeader(ctx, t, h+i)
			if err != nil {
				return err
			}
			headers = append(headers, header)
		}

		if err := d.store.Commit(headers); err != nil {
			return fmt.Errorf("index commit failed: %w", err)
		}

		h += n
		done += n
		t.reportProgress(float64(done) / float64(d.span.Len()))
	}

	return nil
}

// fetchHeader resolves the hash at height and downloads the raw header. A
// response that cannot be decoded counts as a task error like any other.
func (d *downloadTask) fetchHeader(ctx context.Context, t *baseTask, height int64) (types.Header, error) {
	var hashHex string
	if err := t.submit(ctx, "getblockhash", []interface{}{height}, &hashHex); err != nil {
		return types.Header{}, err
	}

	var rawHex string
	if err := t.submit(ctx, "getblockheader", []interface{}{hashHex, false}, &rawHex); err != nil {
		return types.Header{}, err
	}

	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return types.Header{}, fmt.Errorf("malformed block hash at height %d: %w", height, err)
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return types.Header{}, fmt.Errorf("malformed raw header at height %d: %w", height, err)
	}

	header := types.Header{Height: height, Hash: hash, Raw: raw}
	if err := header.ValidateBasic(); err != nil {
		return types.Header{}, fmt.Errorf("remote returned bad header at height %d: %w", height, err)
	}

	return header, nil
}
