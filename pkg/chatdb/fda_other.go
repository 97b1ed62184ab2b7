//go:build !darwin || ios

package chatdb

import (
	"context"

	"github.com/rs/zerolog"
)

func PromptFullDiskAccess(log zerolog.Logger) {
	log.Warn().Msg("Full Disk Access can only be granted on macOS")
}

func WaitForAccess(ctx context.Context, path string, log zerolog.Logger) (*DB, error) {
	return Open(ctx, path, log)
}
