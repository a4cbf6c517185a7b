package dispatcher

import (
	"sort"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
)

// candidatePool holds the free, reachable nodes seen at the start of a pass,
// ordered by preference: highest reputation, longest online, lowest load,
// then ID.
type candidatePool struct {
	nodes []*domain.Node
}

func newCandidatePool(nodes []*domain.Node, pusher ports.JobPusher) *candidatePool {
	free := make([]*domain.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.State != domain.NodeOnline || n.Detached || n.IsBusy() {
			continue
		}
		if pusher == nil || !pusher.HasSession(n.ID) {
			continue
		}
		free = append(free, n)
	}
	sort.SliceStable(free, func(i, j int) bool { return preferred(free[i], free[j]) })
	return &candidatePool{nodes: free}
}

func preferred(a, b *domain.Node) bool {
	if a.Reputation != b.Reputation {
		return a.Reputation > b.Reputation
	}
	if !a.OnlineSince.Equal(b.OnlineSince) {
		return a.OnlineSince.Before(b.OnlineSince)
	}
	if a.Load != b.Load {
		return a.Load < b.Load
	}
	return a.ID < b.ID
}

func (p *candidatePool) best(job *domain.Job) *domain.Node {
	for _, n := range p.nodes {
		if job.Constraints.SatisfiedBy(n.Capabilities) {
			return n
		}
	}
	return nil
}

func (p *candidatePool) remove(nodeID string) {
	for i, n := range p.nodes {
		if n.ID == nodeID {
			p.nodes = append(p.nodes[:i], p.nodes[i+1:]...)
			return
		}
	}
}

func (p *candidatePool) empty() bool {
	return len(p.nodes) == 0
}
