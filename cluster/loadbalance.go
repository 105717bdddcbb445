package cluster

import (
	"fmt"
	"hash/crc32"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"nova-rpc/common"
	"nova-rpc/rpc"
)

// Load-balance extension names.
const (
	RandomName         = "random"
	RoundRobinName     = "roundrobin"
	ConsistentHashName = "consistenthash"
)

// DefaultWeight applies to invokers whose URL carries no weight.
const DefaultWeight = 100

func invokerWeight(i rpc.Invoker) int {
	w := i.URL().ParamInt(common.WeightKey, DefaultWeight)
	if w < 0 {
		return 0
	}
	return w
}

// randomBalance picks proportionally to invoker weights, degenerating
// to uniform when all weights are equal.
type randomBalance struct{}

func (b *randomBalance) Select(invokers []rpc.Invoker, _ *common.URL, _ *rpc.Invocation) (rpc.Invoker, error) {
	if len(invokers) == 0 {
		return nil, fmt.Errorf("no invokers available")
	}
	total := 0
	sameWeight := true
	first := invokerWeight(invokers[0])
	for _, i := range invokers {
		w := invokerWeight(i)
		total += w
		if w != first {
			sameWeight = false
		}
	}
	if total > 0 && !sameWeight {
		offset := rand.Intn(total)
		for _, i := range invokers {
			offset -= invokerWeight(i)
			if offset < 0 {
				return i, nil
			}
		}
	}
	return invokers[rand.Intn(len(invokers))], nil
}

// roundRobinBalance cycles through the list with a lock-free counter.
type roundRobinBalance struct {
	counter int64
}

func (b *roundRobinBalance) Select(invokers []rpc.Invoker, _ *common.URL, _ *rpc.Invocation) (rpc.Invoker, error) {
	if len(invokers) == 0 {
		return nil, fmt.Errorf("no invokers available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(invokers))
	return invokers[index], nil
}

// consistentHashBalance maps calls with the same first argument to the
// same invoker via a virtual-node hash ring. Rings are rebuilt only
// when the invoker set changes.
type consistentHashBalance struct {
	mu    sync.Mutex
	rings map[string]*hashRing
}

func newConsistentHashBalance() *consistentHashBalance {
	return &consistentHashBalance{rings: make(map[string]*hashRing)}
}

const virtualNodes = 160

type hashRing struct {
	identity string
	hashes   []uint32
	nodes    map[uint32]rpc.Invoker
}

func (b *consistentHashBalance) Select(invokers []rpc.Invoker, url *common.URL, inv *rpc.Invocation) (rpc.Invoker, error) {
	if len(invokers) == 0 {
		return nil, fmt.Errorf("no invokers available")
	}
	key := url.ServiceKey() + "." + inv.MethodName
	identity := ringIdentity(invokers)

	b.mu.Lock()
	ring, ok := b.rings[key]
	if !ok || ring.identity != identity {
		ring = buildRing(invokers, identity)
		b.rings[key] = ring
	}
	b.mu.Unlock()

	hashArg := ""
	if len(inv.Arguments) > 0 {
		hashArg = fmt.Sprint(inv.Arguments[0])
	}
	return ring.pick(hashArg), nil
}

func ringIdentity(invokers []rpc.Invoker) string {
	addrs := make([]string, len(invokers))
	for i, inv := range invokers {
		addrs[i] = inv.URL().Address()
	}
	sort.Strings(addrs)
	return fmt.Sprint(addrs)
}

func buildRing(invokers []rpc.Invoker, identity string) *hashRing {
	ring := &hashRing{identity: identity, nodes: make(map[uint32]rpc.Invoker)}
	for _, inv := range invokers {
		addr := inv.URL().Address()
		for n := 0; n < virtualNodes; n++ {
			h := crc32.ChecksumIEEE([]byte(addr + "#" + strconv.Itoa(n)))
			ring.nodes[h] = inv
			ring.hashes = append(ring.hashes, h)
		}
	}
	sort.Slice(ring.hashes, func(i, j int) bool { return ring.hashes[i] < ring.hashes[j] })
	return ring
}

func (r *hashRing) pick(key string) rpc.Invoker {
	h := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.nodes[r.hashes[idx]]
}
