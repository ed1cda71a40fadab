package mudbridge

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/pkg/errors"
)

type contextKey int

var (
	mainContext contextKey = 0
)

// IsMainContext returns whether ctx belongs to the main tick loop. The bridge
// only allows script execution and context resolution from that loop.
func IsMainContext(ctx context.Context) bool {
	val := ctx.Value(mainContext)
	if val == nil {
		return false
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return false
}

func MakeMainContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, mainContext, true)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func WithStack(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); !ok {
		return errors.WithStack(err)
	}
	return err
}

func StackTrace(err error) string {
	buf := &bytes.Buffer{}
	if err, ok := err.(stackTracer); ok {
		for _, f := range err.StackTrace() {
			fmt.Fprintf(buf, "%+v\n", f)
		}
	}
	return buf.String()
}

// SyncMap is a locked map for the few places where background goroutines
// (console sessions, log sinks) read state owned by the main loop.
type SyncMap[K comparable, V any] struct {
	m     map[K]V
	mutex sync.RWMutex
}

func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: map[K]V{},
	}
}

func (s *SyncMap[K, V]) Clone() map[K]V {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	result := map[K]V{}
	for k, v := range s.m {
		result[k] = v
	}
	return result
}

func (s *SyncMap[K, V]) Keys() iter.Seq[K] {
	return func(yield func(k K) bool) {
		s.mutex.RLock()
		defer s.mutex.RUnlock()
		for k := range s.m {
			if !yield(k) {
				return
			}
		}
	}
}

func (s *SyncMap[K, V]) Each() iter.Seq2[K, V] {
	return func(yield func(k K, v V) bool) {
		s.mutex.RLock()
		defer s.mutex.RUnlock()
		for k, v := range s.m {
			if !yield(k, v) {
				return
			}
		}
	}
}

func (s *SyncMap[K, V]) GetHas(key K) (V, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	v, found := s.m[key]
	return v, found
}

func (s *SyncMap[K, V]) Get(key K) V {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.m[key]
}

func (s *SyncMap[K, V]) Set(key K, value V) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.m[key] = value
}

func (s *SyncMap[K, V]) Del(key K) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.m, key)
}

func (s *SyncMap[K, V]) Has(key K) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, found := s.m[key]
	return found
}

func (s *SyncMap[K, V]) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.m)
}
