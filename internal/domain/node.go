package domain

import (
	"sort"
	"strings"
	"time"
)

type NodeState string

const (
	NodeOnline  NodeState = "online"
	NodeOffline NodeState = "offline"
)

const (
	DefaultReputation = 100
	MaxReputation     = 100
	DefaultNodeTag    = "inference"
)

type Capabilities struct {
	GPUModel string   `json:"gpu_model,omitempty"`
	VRAMGB   int      `json:"vram_gb,omitempty"`
	GPUCount int      `json:"gpu_count,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Hostname string   `json:"hostname,omitempty"`
	OS       string   `json:"os,omitempty"`
}

// Normalize lowercases and deduplicates tags. A node advertising no tags is
// treated as an inference node.
func (c Capabilities) Normalize() Capabilities {
	c.Tags = NormalizeTags(c.Tags)
	if len(c.Tags) == 0 {
		c.Tags = []string{DefaultNodeTag}
	}
	if c.GPUCount <= 0 {
		c.GPUCount = 1
	}
	return c
}

func (c Capabilities) Validate() error {
	if c.VRAMGB < 0 {
		return NewError(KindInvalidInput, "vram_gb cannot be negative")
	}
	if c.GPUCount < 0 {
		return NewError(KindInvalidInput, "gpu_count cannot be negative")
	}
	for _, tag := range c.Tags {
		if strings.TrimSpace(tag) == "" {
			return NewError(KindInvalidInput, "capability tags cannot be empty")
		}
	}
	return nil
}

func (c Capabilities) HasTags(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range c.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type StatusHint struct {
	Load    float64            `json:"load,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

type Node struct {
	ID            string             `json:"id"`
	Owner         string             `json:"owner"`
	Capabilities  Capabilities       `json:"capabilities"`
	State         NodeState          `json:"state"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	OnlineSince   time.Time          `json:"online_since"`
	EnrolledAt    time.Time          `json:"enrolled_at"`
	Detached      bool               `json:"detached,omitempty"`
	ActiveJobID   string             `json:"active_job_id,omitempty"`
	Load          float64            `json:"load"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Reputation    int                `json:"reputation"`
	EarnedCredits float64            `json:"earned_credits"`
	CompletedJobs int64              `json:"completed_jobs"`
	FailedJobs    int64              `json:"failed_jobs"`
}

func NewNode(id, owner string, caps Capabilities, now time.Time) *Node {
	return &Node{
		ID:            id,
		Owner:         owner,
		Capabilities:  caps.Normalize(),
		State:         NodeOnline,
		LastHeartbeat: now,
		OnlineSince:   now,
		EnrolledAt:    now,
		Reputation:    DefaultReputation,
	}
}

// IsStale reports whether the last heartbeat is older than threshold at now.
// A heartbeat stamped after now is never stale.
func (n *Node) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(n.LastHeartbeat) > threshold
}

// EffectiveState is the state a reader should see: an Online node whose
// heartbeat is already past the threshold reads as Offline even before the
// sweep has run.
func (n *Node) EffectiveState(now time.Time, threshold time.Duration) NodeState {
	if n.State == NodeOnline && (n.Detached || n.IsStale(now, threshold)) {
		return NodeOffline
	}
	return n.State
}

func (n *Node) IsBusy() bool {
	return n.ActiveJobID != ""
}

func (n *Node) AdjustReputation(delta int) {
	n.Reputation += delta
	if n.Reputation > MaxReputation {
		n.Reputation = MaxReputation
	}
	if n.Reputation < 0 {
		n.Reputation = 0
	}
}

type NodeFilter struct {
	Owner    string
	Tags     []string
	State    NodeState
	GPUModel string
}

func (f NodeFilter) Matches(n *Node, state NodeState) bool {
	if f.Owner != "" && n.Owner != f.Owner {
		return false
	}
	if f.State != "" && state != f.State {
		return false
	}
	if len(f.Tags) > 0 && !n.Capabilities.HasTags(NormalizeTags(f.Tags)) {
		return false
	}
	if f.GPUModel != "" && !MatchesGPUModel(n.Capabilities.GPUModel, f.GPUModel) {
		return false
	}
	return true
}

func MatchesGPUModel(have, want string) bool {
	return strings.Contains(strings.ToLower(have), strings.ToLower(want))
}

func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
