package collections

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderedMap(t *testing.T) {
	m := NewOrderedMap[string, int](0)

	require.True(t, m.Set("c", 3))
	require.True(t, m.Set("b", 2))
	require.True(t, m.Set("a", 1))
	require.False(t, m.Set("b", 20))
	require.Equal(t, 3, m.Len())

	v, ok := m.Get("b")
	require.True(t, ok)
	require.Equal(t, 20, v)

	_, ok = m.Get("d")
	require.False(t, ok)

	require.Equal(t, []string{"c", "b", "a"}, m.Keys())

	var seen []string
	m.Range(func(k string, _ int) bool {
		seen = append(seen, k)
		return len(seen) < 2
	})
	require.Equal(t, []string{"c", "b"}, seen)

	keys := m.Keys()
	keys[0] = "z"
	require.Equal(t, []string{"c", "b", "a"}, m.Keys())
}

func TestOrderedMapJSON(t *testing.T) {
	m := NewOrderedMap[string, float64](4)
	m.Set("record_train/gap_mean", 0.5)
	m.Set("loss_train", 1.25)
	m.Set("rewards_train/chosen", -2)

	buf, err := json.Marshal(m)
	require.NoError(t, err)
	require.Equal(t, `{"record_train/gap_mean":0.5,"loss_train":1.25,"rewards_train/chosen":-2}`, string(buf))

	ints := NewOrderedMap[int, string](2)
	ints.Set(2, "two")
	ints.Set(1, "one")
	buf, err = json.Marshal(ints)
	require.NoError(t, err)
	require.Equal(t, `{"2":"two","1":"one"}`, string(buf))

	buf, err = json.Marshal(NewOrderedMap[string, int](0))
	require.NoError(t, err)
	require.Equal(t, `{}`, string(buf))
}
