package escaper

import (
	"fmt"
	"testing"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeNodes(weights ...float64) []selectiveNode {
	nodes := make([]selectiveNode, len(weights))
	for i, w := range weights {
		nodes[i] = selectiveNode{
			esc:    &fakeEscaper{baseEscaper: baseEscaper{name: fmt.Sprintf("node-%d", i)}},
			weight: w,
		}
	}
	return nodes
}

func TestSelectiveVecZeroWeightExcluded(t *testing.T) {
	vec, err := newSelectiveVec(config.PickPolicyRoundRobin, fakeNodes(1, 0, 1))
	require.NoError(t, err)
	require.Len(t, vec.nodes, 2)
	for i := 0; i < 10; i++ {
		name := vec.pick("example.com").Name()
		assert.NotEqual(t, "node-1", name)
	}
}

func TestSelectiveVecAllZeroWeights(t *testing.T) {
	_, err := newSelectiveVec(config.PickPolicyRandom, fakeNodes(0, 0))
	require.Error(t, err)
}

func TestSelectiveVecSerial(t *testing.T) {
	vec, err := newSelectiveVec(config.PickPolicySerial, fakeNodes(1, 1, 1))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.Equal(t, "node-0", vec.pick("anything").Name())
	}
}

func TestSelectiveVecRoundRobin(t *testing.T) {
	vec, err := newSelectiveVec(config.PickPolicyRoundRobin, fakeNodes(1, 1, 1))
	require.NoError(t, err)
	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, vec.pick("ignored").Name())
	}
	assert.Equal(t, []string{"node-0", "node-1", "node-2", "node-0", "node-1", "node-2"}, got)
}

func TestSelectiveVecRandomCoversNodes(t *testing.T) {
	vec, err := newSelectiveVec(config.PickPolicyRandom, fakeNodes(1, 1, 1))
	require.NoError(t, err)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		seen[vec.pick("ignored").Name()] = true
	}
	assert.Len(t, seen, 3)
}

func TestSelectiveVecRandomWeightBias(t *testing.T) {
	vec, err := newSelectiveVec(config.PickPolicyRandom, fakeNodes(1, 99))
	require.NoError(t, err)

	counts := make(map[string]int)
	for i := 0; i < 10000; i++ {
		counts[vec.pick("ignored").Name()]++
	}
	// A 1:99 weight split must draw the heavy node almost always; the
	// light node still gets the occasional pick.
	assert.Greater(t, counts["node-1"], 9700)
	assert.Greater(t, counts["node-0"], 0)
	assert.Less(t, counts["node-0"], 300)
}

func TestSelectiveVecRendezvousStable(t *testing.T) {
	vec, err := newSelectiveVec(config.PickPolicyRendezvous, fakeNodes(1, 2, 1))
	require.NoError(t, err)

	keys := []string{"a.example.com", "b.example.com", "c.example.com", "d.example.com"}
	first := make(map[string]string)
	for _, key := range keys {
		first[key] = vec.pick(key).Name()
	}
	// Same key and node set must keep yielding the same node.
	for i := 0; i < 20; i++ {
		for _, key := range keys {
			assert.Equal(t, first[key], vec.pick(key).Name(), key)
		}
	}
}

func TestSelectiveVecRendezvousMinimalRemap(t *testing.T) {
	nodes := fakeNodes(1, 1, 1)
	full, err := newSelectiveVec(config.PickPolicyRendezvous, nodes)
	require.NoError(t, err)
	reduced, err := newSelectiveVec(config.PickPolicyRendezvous, nodes[:2])
	require.NoError(t, err)

	// Keys that did not land on the removed node must stay put.
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("host-%d.example.com", i)
		before := full.pick(key).Name()
		if before == "node-2" {
			continue
		}
		assert.Equal(t, before, reduced.pick(key).Name(), key)
	}
}

func TestSelectiveVecRendezvousWeightBias(t *testing.T) {
	vec, err := newSelectiveVec(config.PickPolicyRendezvous, fakeNodes(1, 4))
	require.NoError(t, err)
	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		counts[vec.pick(fmt.Sprintf("host-%d", i)).Name()]++
	}
	// Weight 4 vs 1 should draw clearly more than half the keys.
	assert.Greater(t, counts["node-1"], 600)
	assert.Greater(t, counts["node-0"], 0)
}

func TestSelectiveVecJumpStable(t *testing.T) {
	vec, err := newSelectiveVec(config.PickPolicyJump, fakeNodes(1, 1, 1, 1))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("host-%d", i)
		first := vec.pick(key).Name()
		assert.Equal(t, first, vec.pick(key).Name(), key)
	}
}

func TestJumpHashDistribution(t *testing.T) {
	counts := make(map[int32]int)
	for i := 0; i < 4000; i++ {
		bucket := jumpHash(hashKey(fmt.Sprintf("key-%d", i)), 4)
		require.GreaterOrEqual(t, bucket, int32(0))
		require.Less(t, bucket, int32(4))
		counts[bucket]++
	}
	for bucket, count := range counts {
		assert.Greater(t, count, 500, "bucket %d starved", bucket)
	}
}

func TestJumpHashSingleBucket(t *testing.T) {
	assert.Equal(t, int32(0), jumpHash(12345, 1))
}
