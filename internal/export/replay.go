package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/domain"
)

// Replay republishes every archived bundle under prefix, oldest first,
// and reports the highest archived sequence number plus the total event
// count. The mirrored-stream replay resumes from that sequence so events
// present in both sources are not published twice.
func Replay(ctx context.Context, reader domain.BlobReader, prefix string, b *bus.Bus, logger *slog.Logger) (uint64, int, error) {
	infos, err := reader.List(ctx, prefix)
	if err != nil {
		return 0, 0, fmt.Errorf("export: list bundles: %w", err)
	}

	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") {
			keys = append(keys, info.Path)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bundleBefore(keys[i], keys[j]) })

	var maxSeq uint64
	var total int
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return maxSeq, total, err
		}
		bnd, err := readBundle(ctx, reader, key)
		if err != nil {
			return maxSeq, total, err
		}
		for _, evt := range bnd.Events {
			b.Publish(evt)
		}
		total += len(bnd.Events)
		if bnd.LastSeq > maxSeq {
			maxSeq = bnd.LastSeq
		}
		logger.InfoContext(ctx, "bundle replayed",
			slog.String("key", key),
			slog.Int("events", len(bnd.Events)))
	}
	return maxSeq, total, nil
}

func readBundle(ctx context.Context, reader domain.BlobReader, key string) (bundle, error) {
	rc, err := reader.Get(ctx, key)
	if err != nil {
		return bundle{}, fmt.Errorf("export: get bundle %s: %w", key, err)
	}
	defer rc.Close()

	var bnd bundle
	if err := json.NewDecoder(rc).Decode(&bnd); err != nil {
		return bundle{}, fmt.Errorf("export: decode bundle %s: %w", key, err)
	}
	return bnd, nil
}

// bundleBefore orders keys by day directory, then numerically by first
// sequence: 10-12.json must follow 9-9.json, which lexicographic order
// gets wrong.
func bundleBefore(a, b string) bool {
	dirA, seqA := splitBundleKey(a)
	dirB, seqB := splitBundleKey(b)
	if dirA != dirB {
		return dirA < dirB
	}
	return seqA < seqB
}

func splitBundleKey(key string) (string, uint64) {
	dir, file := path.Split(key)
	first, _, _ := strings.Cut(strings.TrimSuffix(file, ".json"), "-")
	n, err := strconv.ParseUint(first, 10, 64)
	if err != nil {
		return dir, 0
	}
	return dir, n
}
