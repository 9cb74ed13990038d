package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAndContains(t *testing.T) {
	f := New(1000, 0.01, true)
	for i := 0; i < 100; i++ {
		f.Add(fmt.Sprintf("key-%d", i))
	}
	for i := 0; i < 100; i++ {
		assert.True(t, f.MaybeContains(fmt.Sprintf("key-%d", i)), "inserted key must be reported present")
	}
}

func TestAbsentKeysMostlyRejected(t *testing.T) {
	f := New(10000, 0.01, true)
	for i := 0; i < 1000; i++ {
		f.Add(fmt.Sprintf("present-%d", i))
	}

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if f.MaybeContains(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}
	// 1% configured; leave generous slack.
	assert.Less(t, falsePositives, 100)
}

func TestDisabledFilterNeverRejects(t *testing.T) {
	f := New(1000, 0.01, false)
	assert.False(t, f.Enabled())
	assert.True(t, f.MaybeContains("anything"), "a disabled filter cannot rule keys out")
	f.Add("k")
	assert.Zero(t, f.KeyCount())
}

func TestRebuildSwap(t *testing.T) {
	f := New(1000, 0.01, true)
	f.Add("old-key")
	assert.True(t, f.MaybeContains("old-key"))

	rb := f.NewRebuild(1000)
	rb.Add("new-key")
	f.Swap(rb)

	assert.True(t, f.MaybeContains("new-key"))
	assert.False(t, f.MaybeContains("old-key"), "rebuild must drop keys not re-added")
}

func TestKeyCount(t *testing.T) {
	f := New(1000, 0.01, true)
	for i := 0; i < 50; i++ {
		f.Add(fmt.Sprintf("key-%d", i))
	}
	assert.Equal(t, uint64(50), f.KeyCount())
}
