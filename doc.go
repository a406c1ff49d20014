// Package streamcache lets a player treat a partially downloaded remote
// media file as a random-access byte source.
//
// Remote files arrive through a [backend.Backend] that only supports
// forward, prioritized offset+limit downloads. An [Engine] owns one shared
// chunk cache and a download coordinator; each [Engine.Open] returns a
// [Stream] that serves reads from the cache and, on a miss, moves the file's
// single download window to the read position and waits for bytes.
//
// A file is only handed out once its container metadata box is fully
// local, or the whole file is:
//
//	b := memory.New()
//	e, err := streamcache.New(b, streamcache.WithLogger(slog.Default()))
//	if err != nil {
//	    return err
//	}
//	s, err := e.Open(ctx, "movie.mp4")
//	if errors.Is(err, streamcache.ErrContainerNotStreamable) {
//	    // offer a full download instead
//	}
//	defer s.Close()
//	io.Copy(player, s)
//
// # Memory
//
// All open files share one least-recently-used chunk budget. Playing one
// file can evict another file's chunks; there is no per-file quota.
//
// # Errors
//
// Open and reads report one of [ErrReadinessTimeout] (retry is possible),
// [ErrContainerNotStreamable] (the file cannot be played progressively) or
// [ErrBackendFileMissing] (fall back to another source). Transient backend
// failures are retried internally until the timeout.
package streamcache
