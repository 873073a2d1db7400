package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"puppetmaster/internal/persistence/archive"
	"puppetmaster/internal/persistence/objstore"
	"puppetmaster/internal/persistence/snapshot"
)

// snapshotWriter persists exported snapshots, then fans them out to the
// index, the checkpoint archive and the object-store mirror.
type snapshotWriter struct {
	worldDir     string
	archiveEvery int
	idx          runtimeIndex
	mirror       *objstore.Mirror
	log          *log.Logger
}

func (sw snapshotWriter) run(ctx context.Context, ch <-chan snapshot.SnapshotV1) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			sw.handle(snap)
		}
	}
}

func (sw snapshotWriter) handle(snap snapshot.SnapshotV1) {
	path := snapshot.Path(sw.worldDir, snap.Header.Tick)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		sw.logf("snapshot write: %v", err)
		return
	}
	if sw.idx != nil {
		sw.idx.RecordSnapshot(path, snap)
		sw.idx.RecordSnapshotState(snap)
	}
	sw.mirror.Enqueue(path)

	epoch, archived, ok, err := archive.ArchiveCheckpoint(sw.worldDir, path, snap, sw.archiveEvery)
	switch {
	case err != nil:
		sw.logf("checkpoint archive tick=%d: %v", snap.Header.Tick, err)
	case ok:
		sw.logf("checkpoint epoch=%d tick=%d archived=%s", epoch, snap.Header.Tick, archived)
		sw.mirror.Enqueue(archived)
		sw.mirror.Enqueue(archive.MetaPath(archive.Dir(sw.worldDir, epoch)))
	}
}

func (sw snapshotWriter) logf(format string, args ...any) {
	if sw.log != nil {
		sw.log.Printf(format, args...)
	}
}

// openMirror returns nil unless PM_OBJSTORE_ENDPOINT is set.
func openMirror(dataDir string, logger *log.Logger) (*objstore.Mirror, error) {
	endpoint := strings.TrimSpace(os.Getenv("PM_OBJSTORE_ENDPOINT"))
	if endpoint == "" {
		return nil, nil
	}
	client, err := objstore.New(objstore.Config{
		Endpoint:        endpoint,
		Bucket:          os.Getenv("PM_OBJSTORE_BUCKET"),
		Region:          os.Getenv("PM_OBJSTORE_REGION"),
		AccessKeyID:     os.Getenv("PM_OBJSTORE_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("PM_OBJSTORE_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		return nil, err
	}
	return objstore.NewMirror(client, objstore.MirrorConfig{
		DataDir:       dataDir,
		Prefix:        os.Getenv("PM_OBJSTORE_PREFIX"),
		Workers:       envInt("PM_OBJSTORE_WORKERS", 1),
		QueueCapacity: envInt("PM_OBJSTORE_QUEUE", 256),
		EnqueueWait:   time.Duration(envInt("PM_OBJSTORE_ENQUEUE_WAIT_MS", 25)) * time.Millisecond,
		Logger:        logger,
	}), nil
}
