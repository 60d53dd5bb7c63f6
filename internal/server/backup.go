package server

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/maxmars1/maplab/internal/monitoring"
	"github.com/maxmars1/maplab/internal/vimap"
)

// backupLoop periodically saves the map into timestamped subfolders of
// the merged map folder. It runs on the node's clock so tests can drive
// it with a mock.
type backupLoop struct {
	node     *Node
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newBackupLoop(n *Node, interval time.Duration) *backupLoop {
	return &backupLoop{
		node:     n,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (b *backupLoop) run() {
	defer close(b.doneCh)
	if b.interval <= 0 {
		monitoring.Logf("[BackupLoop] Interval is zero or negative, not starting")
		return
	}
	ticker := b.node.clock.NewTicker(b.interval)
	defer ticker.Stop()
	monitoring.Logf("[BackupLoop] Started: interval=%v", b.interval)
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C():
			b.backup()
		}
	}
}

func (b *backupLoop) backup() {
	sn := b.node.Snapshot()
	folder := filepath.Join(b.node.cfg.MergedMapFolder, "backups",
		fmt.Sprintf("%d-v%d", b.node.clock.Now().Unix(), sn.Version))
	if err := vimap.SaveSnapshot(sn, folder); err != nil {
		monitoring.Logf("[BackupLoop] Backup failed: %v", err)
		return
	}
	monitoring.Logf("[BackupLoop] Saved backup of map version %d to '%s'", sn.Version, folder)
	b.node.recordBackup(folder, sn.Version, "periodic")
}

// stop requests the loop to exit and waits for it.
func (b *backupLoop) stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}
