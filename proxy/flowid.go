package proxy

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// flowIDGenerator produces the per-request ids used to correlate log lines
// of a single request. ULIDs sort by time, which keeps logs greppable.
type flowIDGenerator struct {
	mu sync.Mutex
	r  io.Reader
}

func newFlowIDGenerator() *flowIDGenerator {
	return &flowIDGenerator{r: rand.New(rand.NewSource(time.Now().UTC().UnixNano()))}
}

func (g *flowIDGenerator) generate() string {
	g.mu.Lock()
	id, err := ulid.New(ulid.Now(), g.r)
	g.mu.Unlock()
	if err != nil {
		return ""
	}
	return id.String()
}
