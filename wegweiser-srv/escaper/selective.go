package escaper

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
)

// selectiveNode is one weighted candidate of a route-select escaper.
type selectiveNode struct {
	esc    Escaper
	weight float64
}

// selectiveVec picks one node per connection according to the configured
// policy. Rendezvous and jump hashing are stable: the same key over the
// same node set always yields the same node, and removing one node only
// remaps the keys that hashed to it.
type selectiveVec struct {
	policy      config.PickPolicy
	nodes       []selectiveNode
	next        atomic.Uint64 // round-robin cursor
	totalWeight float64
	uniform     bool // all nodes share one weight
}

// newSelectiveVec builds a selector from the candidates. Zero-weight
// nodes are excluded from selection.
func newSelectiveVec(policy config.PickPolicy, candidates []selectiveNode) (*selectiveVec, error) {
	nodes := make([]selectiveNode, 0, len(candidates))
	for _, node := range candidates {
		if node.weight > 0 {
			nodes = append(nodes, node)
		}
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no selectable nodes (all weights zero?)")
	}

	total := 0.0
	uniform := true
	for _, node := range nodes {
		total += node.weight
		if node.weight != nodes[0].weight {
			uniform = false
		}
	}
	return &selectiveVec{policy: policy, nodes: nodes, totalWeight: total, uniform: uniform}, nil
}

// pick returns the node for the given hash key.
func (v *selectiveVec) pick(key string) Escaper {
	if len(v.nodes) == 1 {
		return v.nodes[0].esc
	}

	switch v.policy {
	case config.PickPolicySerial:
		return v.nodes[0].esc
	case config.PickPolicyRandom:
		return v.pickRandom()
	case config.PickPolicyRoundRobin:
		idx := v.next.Add(1) - 1
		return v.nodes[idx%uint64(len(v.nodes))].esc
	case config.PickPolicyJump:
		idx := jumpHash(hashKey(key), int32(len(v.nodes)))
		return v.nodes[idx].esc
	default: // rendezvous
		return v.pickRendezvous(key)
	}
}

// pickRandom draws a node with probability proportional to its weight.
// Equal weights degrade to a plain uniform draw.
func (v *selectiveVec) pickRandom() Escaper {
	if v.uniform {
		return v.nodes[rand.Intn(len(v.nodes))].esc
	}
	r := rand.Float64() * v.totalWeight
	for _, node := range v.nodes {
		r -= node.weight
		if r < 0 {
			return node.esc
		}
	}
	return v.nodes[len(v.nodes)-1].esc
}

// pickRendezvous implements weighted rendezvous (highest random weight)
// hashing: each node scores ln(h/2^64)/w for its keyed hash h and weight
// w, and the highest score wins.
func (v *selectiveVec) pickRendezvous(key string) Escaper {
	best := 0
	bestScore := math.Inf(-1)
	for i, node := range v.nodes {
		h := hashKey(key + "\x00" + node.esc.Name())
		// h is mapped into (0,1]; +1 avoids log(0)
		unit := (float64(h) + 1) / float64(1<<63) / 2
		score := math.Log(unit) / node.weight
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	return v.nodes[best].esc
}

// jumpHash is the Lamping-Veach consistent hash over buckets.
func jumpHash(key uint64, buckets int32) int32 {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int32(b)
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
