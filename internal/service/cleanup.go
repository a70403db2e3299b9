package service

import (
	"context"
	"log"
	"time"
)

// RunRevokedTokenGC periodically prunes revoked-token tombstones whose
// embedded expiry has passed. It blocks until ctx is cancelled; callers
// run it in a goroutine. An interval of zero or less disables the loop.
//
// This is a storage-growth bound only. Admission decisions never rely
// on pruning: an expired token fails verification with or without its
// tombstone.
func (s *AuthService) RunRevokedTokenGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.PruneRevokedTokens(ctx)
			if err != nil {
				log.Printf("[AuthGC] failed to prune revoked tokens: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("[AuthGC] pruned %d expired revoked tokens", deleted)
			}
		}
	}
}
