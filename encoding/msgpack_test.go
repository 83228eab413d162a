package encoding

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	ID       string            `msgpack:"id"`
	Major    int64             `msgpack:"major"`
	Clusters []string          `msgpack:"clusters"`
	Labels   map[string]string `msgpack:"labels"`
}

func TestMarshal_Struct(t *testing.T) {
	in := sample{
		ID:       "snap-1",
		Major:    11,
		Clusters: []string{"b", "c"},
		Labels:   map[string]string{"region": "eu"},
	}

	data, err := Marshal(in)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestUnmarshal_InterfaceKeepsStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"cluster": "b"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))

	if _, ok := out["cluster"].(string); !ok {
		t.Errorf("expected string value, got %T", out["cluster"])
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	subs := map[string]bool{"billing": true, "audit": false, "search": true, "ledger": true}

	first, err := Marshal(subs)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(subs)
		require.NoError(t, err)
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding %d differs from the first", i)
		}
	}
}

func TestUnmarshal_Truncated(t *testing.T) {
	data, err := Marshal(sample{ID: "snap-1", Clusters: []string{"b"}})
	require.NoError(t, err)

	var out sample
	require.Error(t, Unmarshal(data[:len(data)/2], &out))
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			data, err := Marshal(sample{Major: int64(n)})
			if err != nil {
				t.Errorf("marshal failed: %v", err)
				return
			}
			var out sample
			if err := Unmarshal(data, &out); err != nil {
				t.Errorf("unmarshal failed: %v", err)
				return
			}
			if out.Major != int64(n) {
				t.Errorf("expected %d, got %d", n, out.Major)
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkMarshal(b *testing.B) {
	v := sample{ID: "snap-1", Major: 1, Clusters: []string{"b", "c", "d"}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Marshal(v)
	}
}
