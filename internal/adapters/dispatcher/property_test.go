package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestAtMostOneAssignmentProperty drives random interleavings of enrolment,
// submission, dispatch, acknowledgment, results, node loss, heartbeats and
// clock skew, and checks after every step that no node holds more than one
// Assigned or Running job and that busy markers agree with the ledger.
func TestAtMostOneAssignmentProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t)
		ctx := context.Background()

		var nodeIDs, jobIDs []string
		steps := rapid.IntRange(1, 60).Draw(rt, "steps")

		for step := 0; step < steps; step++ {
			switch rapid.IntRange(0, 8).Draw(rt, fmt.Sprintf("action-%d", step)) {
			case 0:
				cred, err := h.issuer.IssueCredential(ctx, "owner")
				require.NoError(rt, err)
				tags := rapid.SampledFrom([][]string{nil, {"render"}, {"inference", "render"}}).Draw(rt, "caps")
				node, err := h.registry.Enroll(ctx, cred.ID, domain.Capabilities{Tags: tags, VRAMGB: 24})
				require.NoError(rt, err)
				nodeIDs = append(nodeIDs, node.ID)
			case 1:
				tags := rapid.SampledFrom([][]string{nil, {"render"}, {"inference"}}).Draw(rt, "constraints")
				budget := float64(rapid.IntRange(0, 5).Draw(rt, "budget"))
				job, err := h.ledger.Submit(ctx, "requester", domain.JobTypeRender, "ref", domain.Constraints{Tags: tags}, budget)
				require.NoError(rt, err)
				jobIDs = append(jobIDs, job.ID)
			case 2, 3:
				_, err := h.dispatcher.DispatchOnce(ctx)
				require.NoError(rt, err)
			case 4:
				if len(jobIDs) == 0 {
					continue
				}
				id := rapid.SampledFrom(jobIDs).Draw(rt, "ack")
				if job, err := h.ledger.Get(ctx, id); err == nil && job.AssignedNode != "" {
					_, _ = h.ledger.Start(ctx, id, job.AssignedNode, 0)
				}
			case 5:
				if len(jobIDs) == 0 || len(nodeIDs) == 0 {
					continue
				}
				id := rapid.SampledFrom(jobIDs).Draw(rt, "result")
				node := rapid.SampledFrom(nodeIDs).Draw(rt, "reporter")
				outcome := rapid.SampledFrom([]domain.Outcome{domain.OutcomeCompleted, domain.OutcomeFailed}).Draw(rt, "outcome")
				_, _ = h.ledger.RecordResult(ctx, id, node, 0, outcome, domain.JobMetrics{DurationSeconds: 1})
			case 6:
				if len(nodeIDs) == 0 {
					continue
				}
				node := rapid.SampledFrom(nodeIDs).Draw(rt, "lost")
				require.NoError(rt, h.dispatcher.NodeLost(ctx, node, domain.ReasonDisconnected))
			case 7:
				if len(jobIDs) == 0 {
					continue
				}
				id := rapid.SampledFrom(jobIDs).Draw(rt, "cancel")
				_, _ = h.ledger.Cancel(ctx, id, "requester")
			case 8:
				h.clock.Advance(time.Duration(rapid.IntRange(0, 90).Draw(rt, "seconds")) * time.Second)
				for _, id := range nodeIDs {
					if rapid.Bool().Draw(rt, "heartbeat") {
						_, _ = h.registry.Heartbeat(ctx, id, domain.StatusHint{})
					}
				}
				_, err := h.registry.Sweep(ctx)
				require.NoError(rt, err)
				_, _, err = h.ledger.Sweep(ctx)
				require.NoError(rt, err)
			}

			checkAssignments(rt, h, nodeIDs)
		}
	})
}

func checkAssignments(rt *rapid.T, h *harness, nodeIDs []string) {
	ctx := context.Background()
	for _, id := range nodeIDs {
		active, err := h.ledger.ActiveOnNode(ctx, id)
		require.NoError(rt, err)
		if len(active) > 1 {
			rt.Fatalf("node %s holds %d active jobs", id, len(active))
		}

		node, err := h.registry.Get(ctx, id)
		require.NoError(rt, err)
		if len(active) == 1 && node.ActiveJobID != active[0].ID {
			rt.Fatalf("node %s busy marker %q does not match active job %s", id, node.ActiveJobID, active[0].ID)
		}
		if len(active) == 0 && node.ActiveJobID != "" {
			rt.Fatalf("node %s marked busy with %s but holds no active job", id, node.ActiveJobID)
		}
	}
}
