package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TritonDataCenter/rebalancer/common"
)

type sliceSource struct {
	objs   []Object
	pos    int
	closed bool
}

func (s *sliceSource) Next(ctx context.Context) (Object, bool, error) {
	if s.pos >= len(s.objs) {
		return Object{}, false, nil
	}
	obj := s.objs[s.pos]
	s.pos++
	return obj, true, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

func TestRetryFilterYieldsOnlyAllowedObjects(t *testing.T) {
	a := assert.New(t)

	inner := &sliceSource{objs: []Object{
		{ObjectID: "done-1", Etag: "e1", Shard: 1},
		{ObjectID: "errored", Etag: "e2", Shard: 1},
		{ObjectID: "done-2", Etag: "e3", Shard: 2},
		{ObjectID: "skipped", Etag: "e4", Shard: 2},
	}}

	// The prior job completed done-1 and done-2; retry re-attempts the rest,
	// errored objects included.
	f := NewRetryFilter(inner, []common.ObjectId{"errored", "skipped"})

	var yielded []common.ObjectId
	for {
		obj, ok, err := f.Next(context.Background())
		a.NoError(err)
		if !ok {
			break
		}
		yielded = append(yielded, obj.ObjectID)
	}
	a.Equal([]common.ObjectId{"errored", "skipped"}, yielded)

	a.NoError(f.Close())
	a.True(inner.closed)
}

func TestRetryFilterEmptyAllowListYieldsNothing(t *testing.T) {
	a := assert.New(t)

	inner := &sliceSource{objs: []Object{{ObjectID: "done-1"}}}
	f := NewRetryFilter(inner, nil)

	_, ok, err := f.Next(context.Background())
	a.NoError(err)
	a.False(ok)
}
