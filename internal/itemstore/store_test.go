package itemstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
)

type record struct {
	Name  string         `json:"name"`
	Count int            `json:"count"`
	Tags  map[string]any `json:"tags,omitempty"`
}

// fakeS3 is an in-memory object map behind the S3API surface.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func backends(t *testing.T) map[string]func(t *testing.T) Store[*record] {
	return map[string]func(t *testing.T) Store[*record]{
		"memory": func(t *testing.T) Store[*record] {
			return NewMemoryStore[*record]("records")
		},
		"sqlite": func(t *testing.T) Store[*record] {
			db, err := OpenSQLite(DefaultSQLiteConfig(filepath.Join(t.TempDir(), "items.db")))
			if err != nil {
				t.Fatalf("OpenSQLite failed: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			s, err := NewSQLiteStore[*record](context.Background(), db, "records")
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return s
		},
		"redis": func(t *testing.T) Store[*record] {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStore[*record](client, "test", "records", 0)
		},
		"s3": func(t *testing.T) Store[*record] {
			return NewS3Store[*record](newFakeS3(), "bucket", "engine", "records")
		},
	}
}

func TestStore_Conformance(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing returns ErrNotFound", func(t *testing.T) {
				s := open(t)
				if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("set then get", func(t *testing.T) {
				s := open(t)
				in := &record{Name: "a", Count: 3, Tags: map[string]any{"k": "v"}}
				if err := s.Set(ctx, "a", in); err != nil {
					t.Fatalf("Set failed: %v", err)
				}
				got, err := s.Get(ctx, "a")
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				if got.Name != "a" || got.Count != 3 || got.Tags["k"] != "v" {
					t.Errorf("unexpected item %+v", got)
				}
				if got == in {
					t.Error("expected a copy, got the stored pointer")
				}
			})

			t.Run("set replaces", func(t *testing.T) {
				s := open(t)
				_ = s.Set(ctx, "a", &record{Name: "a", Count: 1})
				_ = s.Set(ctx, "a", &record{Name: "a", Count: 2})
				got, err := s.Get(ctx, "a")
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				if got.Count != 2 {
					t.Errorf("expected Count 2, got %d", got.Count)
				}
			})

			t.Run("delete", func(t *testing.T) {
				s := open(t)
				_ = s.Set(ctx, "a", &record{Name: "a"})
				if err := s.Delete(ctx, "a"); err != nil {
					t.Fatalf("Delete failed: %v", err)
				}
				if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound after delete, got %v", err)
				}
				if err := s.Delete(ctx, "a"); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound on second delete, got %v", err)
				}
			})

			t.Run("list sorted with pagination", func(t *testing.T) {
				s := open(t)
				for _, id := range []string{"c", "a", "b"} {
					if err := s.Set(ctx, id, &record{Name: id}); err != nil {
						t.Fatalf("Set failed: %v", err)
					}
				}
				ids, err := s.List(ctx, nil)
				if err != nil {
					t.Fatalf("List failed: %v", err)
				}
				if strings.Join(ids, ",") != "a,b,c" {
					t.Errorf("expected a,b,c, got %v", ids)
				}
				ids, err = s.List(ctx, &ListOptions{Offset: 1, Limit: 1})
				if err != nil {
					t.Fatalf("List failed: %v", err)
				}
				if len(ids) != 1 || ids[0] != "b" {
					t.Errorf("expected [b], got %v", ids)
				}
			})

			t.Run("hooks fire", func(t *testing.T) {
				s := open(t)
				var changed, deleted []string
				s.OnChanged(func(id string, item *record) { changed = append(changed, id+":"+item.Name) })
				s.OnDeleted(func(id string) { deleted = append(deleted, id) })

				_ = s.Set(ctx, "x", &record{Name: "first"})
				_ = s.Delete(ctx, "x")
				_ = s.Delete(ctx, "x")

				if strings.Join(changed, ",") != "x:first" {
					t.Errorf("unexpected change notifications %v", changed)
				}
				if strings.Join(deleted, ",") != "x" {
					t.Errorf("unexpected delete notifications %v", deleted)
				}
			})
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults to memory", func(t *testing.T) {
		s, err := Open[*record](ctx, nil, TableGraphs)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if _, ok := s.(*MemoryStore[*record]); !ok {
			t.Errorf("expected *MemoryStore, got %T", s)
		}
		if s.Table() != TableGraphs {
			t.Errorf("expected table %q, got %q", TableGraphs, s.Table())
		}
	})

	t.Run("rejects bad table names", func(t *testing.T) {
		if _, err := Open[*record](ctx, &Backend{Kind: BackendMemory}, "drop table;"); !errors.Is(err, ErrInvalidTable) {
			t.Errorf("expected ErrInvalidTable, got %v", err)
		}
	})

	t.Run("requires backend connections", func(t *testing.T) {
		for _, kind := range []string{BackendSQLite, BackendRedis, BackendS3} {
			if _, err := Open[*record](ctx, &Backend{Kind: kind}, "records"); err == nil {
				t.Errorf("expected error for %s backend without connection", kind)
			}
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		if _, err := Open[*record](ctx, &Backend{Kind: "tape"}, "records"); err == nil {
			t.Error("expected error for unknown backend")
		}
	})
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	s := NewRedisStore[*record](client, "test", "records", time.Minute)
	if err := s.Set(ctx, "a", &record{Name: "a"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
	ids, err := s.List(ctx, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected expired id to be pruned, got %v", ids)
	}
}
