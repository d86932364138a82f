// Package blobsink stores dead letters as JSON objects in a gocloud.dev
// bucket, one object per letter at <prefix>/<projection>/<id>.json.
//
// Any bucket URL the binary has a driver for works: mem:// and file:///
// are registered here, cloud drivers are imported by the caller.
package blobsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
	"github.com/plaenen/eventsourcing/pkg/idgen"
)

// Sink is an eventsourcing.DeadLetterSink over a bucket.
type Sink struct {
	bucket *blob.Bucket
	prefix string
	owns   bool
}

// Open opens the bucket at url. The sink closes it on Close.
func Open(ctx context.Context, url, prefix string) (*Sink, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	s := New(bucket, prefix)
	s.owns = true
	return s, nil
}

// New wraps an open bucket. The caller keeps ownership of it.
func New(bucket *blob.Bucket, prefix string) *Sink {
	return &Sink{bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *Sink) key(projection, id string) string {
	return path.Join(s.prefix, projection, id+".json")
}

// Send writes letter. Letters without an ID get a sortable one.
func (s *Sink) Send(ctx context.Context, letter eventsourcing.DeadLetter) error {
	if letter.ID == "" {
		letter.ID = idgen.MustGenerateSortableID()
	}

	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", letter.ID, err)
	}

	err = s.bucket.WriteAll(ctx, s.key(letter.Projection, letter.ID), data, &blob.WriterOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"projection": letter.Projection,
			"event-id":   letter.Event.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("write dead letter %s: %w", letter.ID, err)
	}
	return nil
}

// List returns the letters of projection ordered by ID. An empty projection
// lists every letter under the prefix.
func (s *Sink) List(ctx context.Context, projection string) ([]eventsourcing.DeadLetter, error) {
	prefix := s.prefix
	if projection != "" {
		prefix = path.Join(prefix, projection)
	}
	if prefix != "" {
		prefix += "/"
	}

	var letters []eventsourcing.DeadLetter
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".json") {
			continue
		}

		data, err := s.bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", obj.Key, err)
		}
		var letter eventsourcing.DeadLetter
		if err := json.Unmarshal(data, &letter); err != nil {
			return nil, fmt.Errorf("decode %s: %w", obj.Key, err)
		}
		letters = append(letters, letter)
	}

	sort.Slice(letters, func(i, j int) bool { return letters[i].ID < letters[j].ID })
	return letters, nil
}

// Delete removes a letter once it has been replayed or discarded.
func (s *Sink) Delete(ctx context.Context, projection, id string) error {
	err := s.bucket.Delete(ctx, s.key(projection, id))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("dead letter %s: %w", id, eventsourcing.ErrNotFound)
	}
	return err
}

// Close closes the bucket when the sink opened it.
func (s *Sink) Close() error {
	if !s.owns {
		return nil
	}
	return s.bucket.Close()
}

var _ eventsourcing.DeadLetterSink = (*Sink)(nil)
