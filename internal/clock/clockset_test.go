package clock

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClockSet_AddMergesByMax(t *testing.T) {
	s := NewClockSet()

	s.Add("d1", Clock{"foo": 1, "bar": 2})
	s.Add("d1", Clock{"foo": 2})

	assert.Equal(t, int64(2), s.Seq("d1", "foo"))
	assert.Equal(t, int64(2), s.Seq("d1", "bar"))
}

func TestClockSet_AddNeverDecreases(t *testing.T) {
	s := NewClockSet()

	got := s.Add("d1", Clock{"a": 5})
	assert.Equal(t, Clock{"a": 5}, got)

	got = s.Add("d1", Clock{"a": 3})
	assert.Equal(t, Clock{"a": 5}, got)
	assert.Equal(t, int64(5), s.DocSeq("a", "d1"))
}

func TestClockSet_AbsentIsZero(t *testing.T) {
	s := NewClockSet()
	assert.Equal(t, int64(0), s.Seq("nope", "a"))
	assert.Equal(t, int64(0), s.DocSeq("a", "nope"))
	assert.Empty(t, s.Clock("nope"))
	assert.Empty(t, s.DocMap("a"))
}

func TestClockSet_RandomizedSymmetryAndMax(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewClockSet()

	docs := []string{"d1", "d2", "d3", "d4"}
	actors := []string{"a", "b", "c", "d", "e"}
	maxSeen := map[string]map[string]int64{}

	for i := 0; i < 500; i++ {
		doc := docs[rng.Intn(len(docs))]
		c := Clock{}
		for _, actor := range actors {
			if rng.Intn(2) == 0 {
				c[actor] = int64(rng.Intn(20))
			}
		}
		s.Add(doc, c)

		if maxSeen[doc] == nil {
			maxSeen[doc] = map[string]int64{}
		}
		for actor, seq := range c {
			if cur, ok := maxSeen[doc][actor]; !ok || seq > cur {
				maxSeen[doc][actor] = seq
			}
		}
	}

	for doc, expected := range maxSeen {
		for actor, seq := range expected {
			assert.Equal(t, seq, s.Seq(doc, actor), "seq(%s,%s)", doc, actor)
			assert.Equal(t, s.Seq(doc, actor), s.DocMap(actor)[doc], "symmetry (%s,%s)", doc, actor)
		}
	}
	for _, actor := range actors {
		for doc, seq := range s.DocMap(actor) {
			assert.Equal(t, seq, s.Clock(doc)[actor], "reverse symmetry (%s,%s)", doc, actor)
		}
	}
}

func TestClockSet_Has(t *testing.T) {
	s := NewClockSet()
	s.Add("d1", Clock{"a": 3, "b": 1})

	assert.True(t, s.Has("d1", Clock{}))
	assert.True(t, s.Has("d1", Clock{"a": 3}))
	assert.True(t, s.Has("d1", Clock{"a": 2, "b": 1}))
	assert.False(t, s.Has("d1", Clock{"a": 4}))
	assert.False(t, s.Has("d1", Clock{"c": 1}))
	assert.True(t, s.Has("d1", Clock{"c": 0}), "absent actor reads as 0")
	assert.False(t, s.Has("d2", Clock{"a": 1}))
}

func TestClockSet_DocsWith(t *testing.T) {
	s := NewClockSet()
	s.Add("d1", Clock{"a": 1})
	s.Add("d2", Clock{"a": 4})
	s.Add("d3", Clock{"a": 9, "b": 2})
	s.Add("d4", Clock{"b": 5})

	assert.Equal(t, []string{"d1", "d2", "d3"}, s.DocsWith("a", 1))
	assert.Equal(t, []string{"d2", "d3"}, s.DocsWith("a", 4))
	assert.Equal(t, []string{"d3"}, s.DocsWith("a", 5))
	assert.Empty(t, s.DocsWith("a", 10))
	assert.Equal(t, []string{"d3", "d4"}, s.DocsWith("b", 1))
}

func TestClockSet_DocsWithShrinksMonotonically(t *testing.T) {
	s := NewClockSet()
	for i := 0; i < 20; i++ {
		s.Add(fmt.Sprintf("doc-%02d", i), Clock{"a": int64(i)})
	}

	prev := len(s.DocsWith("a", 0))
	for n := int64(1); n <= 21; n++ {
		docs := s.DocsWith("a", n)
		assert.LessOrEqual(t, len(docs), prev, "n=%d", n)
		for _, doc := range docs {
			assert.GreaterOrEqual(t, s.Seq(doc, "a"), n)
		}
		prev = len(docs)
	}
	assert.Zero(t, prev)
}

func TestClockSet_ClockIsACopy(t *testing.T) {
	s := NewClockSet()
	s.Add("d1", Clock{"a": 1})

	c := s.Clock("d1")
	c["a"] = 100
	assert.Equal(t, int64(1), s.Seq("d1", "a"))
}
