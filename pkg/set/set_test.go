package set_test

import (
	"testing"

	"github.com/matryer/is"

	"go.liveq.dev/liveq/pkg/set"
)

func TestSet(t *testing.T) {
	is := is.New(t)

	s := set.New("one", "two")
	is.True(s.Has("one"))
	is.True(!s.Has("three"))

	s.Add("three")
	is.True(s.Has("three"))

	s.Delete("one")
	is.True(!s.Has("one"))

	var nilset set.Set[string]
	is.Equal(nilset.String(), "set(<nil>)")
	is.Equal(set.New("a").String(), "set(a)")
}
