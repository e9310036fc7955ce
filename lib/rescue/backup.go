// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package rescue

import "context"

// BackupLoop takes a snapshot every backup.interval until ctx is
// cancelled. The first snapshot is taken one interval after start.
// Failures are logged and the loop continues. A zero interval disables
// scheduled snapshots; the loop then just waits for cancellation.
func (s *Service) BackupLoop(ctx context.Context) error {
	interval := s.config.Backup.Interval.Std()
	if interval <= 0 {
		s.logger.Info("scheduled backups disabled")
		<-ctx.Done()
		return nil
	}

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.TakeSnapshot(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduled backup failed", "error", err)
			}
		}
	}
}
