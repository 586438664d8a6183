package upload

import (
	"context"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/hasher"
	"github.com/bitrise-io/go-chunkupload/sender"
	"github.com/bitrise-io/go-utils/v2/log"
)

// NewFromConfig creates an Uploader from cfg. A nil dedup falls back to the
// deduplicator cfg describes, if any.
func NewFromConfig(cfg config.Config, dedup sender.Deduplicator, logger log.Logger) (*Uploader, error) {
	if logger == nil {
		logger = log.NewLogger()
	}

	digestFunc, err := cfg.DigestFunc()
	if err != nil {
		return nil, err
	}

	if dedup == nil {
		if dedup, err = cfg.Deduplicator(context.Background(), logger); err != nil {
			return nil, err
		}
	}

	return New(Options{
		Hasher: hasher.Options{
			Digest: digestFunc,
			Logger: logger,
		},
		Sender: sender.Options{
			Tuning: cfg.Tuning(),
			Chunk:  cfg.ChunkOptions(logger),
			Logger: logger,
		},
		Dedup:          dedup,
		TickInterval:   cfg.ProgressInterval,
		ProgressWindow: cfg.ProgressWindow,
		Logger:         logger,
	}), nil
}
