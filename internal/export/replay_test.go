package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/domain"
)

type fakeBlobReader struct {
	objects map[string][]byte
}

func (r *fakeBlobReader) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := r.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *fakeBlobReader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	for key, data := range r.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, domain.BlobInfo{Path: key, Size: int64(len(data))})
		}
	}
	return infos, nil
}

func (r *fakeBlobReader) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := r.objects[key]
	return ok, nil
}

func archivedBundle(t *testing.T, first uint64, kinds ...domain.EventKind) []byte {
	t.Helper()
	events := make([]domain.Event, len(kinds))
	seq := first
	for i, k := range kinds {
		events[i] = domain.Event{Seq: seq, Kind: k, At: exportNow}
		seq++
	}
	data, err := encodeBundle(bundle{
		FirstSeq:  first,
		LastSeq:   seq - 1,
		Count:     len(events),
		WrittenAt: exportNow,
		Events:    events,
	})
	require.NoError(t, err)
	return data
}

func TestReplayPublishesBundlesInSequenceOrder(t *testing.T) {
	reader := &fakeBlobReader{objects: map[string][]byte{
		// Numeric order differs from lexicographic: 10 sorts before 9.
		"episodes/2026-08-25/10-11.json": archivedBundle(t, 10,
			domain.EventTradeExecuted, domain.EventTimelineForked),
		"episodes/2026-08-25/9-9.json": archivedBundle(t, 9,
			domain.EventMarketCreated),
		"episodes/2026-08-24/3-4.json": archivedBundle(t, 3,
			domain.EventSignalIngested, domain.EventSignalIngested),
		"episodes/manifest.txt": []byte("not a bundle"),
	}}

	b := bus.New(testLogger(), nil)
	sub := b.Subscribe("test", domain.EventMarketCreated, domain.EventTradeExecuted,
		domain.EventTimelineForked, domain.EventSignalIngested)
	defer b.Unsubscribe(sub)

	maxSeq, total, err := Replay(context.Background(), reader, "episodes", b, testLogger())
	require.NoError(t, err)
	assert.Equal(t, uint64(11), maxSeq)
	assert.Equal(t, 5, total)

	wantKinds := []domain.EventKind{
		domain.EventSignalIngested, domain.EventSignalIngested,
		domain.EventMarketCreated,
		domain.EventTradeExecuted, domain.EventTimelineForked,
	}
	for i, want := range wantKinds {
		select {
		case evt := <-sub.C():
			assert.Equal(t, want, evt.Kind, "event %d out of order", i)
		case <-time.After(time.Second):
			t.Fatalf("missing replayed event %d", i)
		}
	}
}

func TestReplayEmptyArchive(t *testing.T) {
	reader := &fakeBlobReader{objects: map[string][]byte{}}
	b := bus.New(testLogger(), nil)

	maxSeq, total, err := Replay(context.Background(), reader, "episodes", b, testLogger())
	require.NoError(t, err)
	assert.Zero(t, maxSeq)
	assert.Zero(t, total)
}

func TestReplayFailsOnCorruptBundle(t *testing.T) {
	reader := &fakeBlobReader{objects: map[string][]byte{
		"episodes/2026-08-25/1-1.json": []byte("{broken"),
	}}
	b := bus.New(testLogger(), nil)

	_, _, err := Replay(context.Background(), reader, "episodes", b, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode bundle")
}
