// Package hypernode is the coordinator of a GPU compute network.
//
// Node owners obtain a single-use credential and use it to open a session
// from their machine; requesters submit jobs; the coordinator matches each
// pending job to at most one eligible node, tracks it to completion and
// credits the node owner.
//
// Basic usage:
//
//	cfg := hypernode.NewConfigBuilder(":3001").
//	    WithBadgerStorage("./data").
//	    Build()
//
//	coordinator, err := hypernode.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer coordinator.Close()
//
//	return coordinator.Run(ctx)
package hypernode

import (
	"log/slog"

	"github.com/eleven-am/hypernode/internal/core"
	"github.com/eleven-am/hypernode/internal/domain"
)

// Coordinator wires the issuer, registry, ledger, dispatcher and session
// gateway together and serves the requester API and node sessions.
type Coordinator = core.Coordinator

type Node = domain.Node

type NodeState = domain.NodeState

type Capabilities = domain.Capabilities

type Job = domain.Job

type JobState = domain.JobState

type Constraints = domain.Constraints

type Credential = domain.Credential

type Outcome = domain.Outcome

type JobMetrics = domain.JobMetrics

type Event = domain.Event

type EventType = domain.EventType

// Error is returned by every operation; use errors.Is with the Err*
// sentinels or KindOf to branch on it.
type Error = domain.Error

type ErrorKind = domain.ErrorKind

const (
	NodeOnline  = domain.NodeOnline
	NodeOffline = domain.NodeOffline

	JobPending   = domain.JobPending
	JobAssigned  = domain.JobAssigned
	JobRunning   = domain.JobRunning
	JobCompleted = domain.JobCompleted
	JobFailed    = domain.JobFailed
	JobCancelled = domain.JobCancelled

	OutcomeCompleted = domain.OutcomeCompleted
	OutcomeFailed    = domain.OutcomeFailed
)

var (
	ErrNotFound           = domain.ErrNotFound
	ErrUnauthorized       = domain.ErrUnauthorized
	ErrAlreadyUsed        = domain.ErrAlreadyUsed
	ErrExpired            = domain.ErrExpired
	ErrInvalidState       = domain.ErrInvalidState
	ErrInvalidConstraints = domain.ErrInvalidConstraints
	ErrNodeMismatch       = domain.ErrNodeMismatch
	ErrUnknownNode        = domain.ErrUnknownNode
	ErrNotAuthenticated   = domain.ErrNotAuthenticated
	ErrTimeout            = domain.ErrTimeout
	ErrInvalidInput       = domain.ErrInvalidInput
	ErrNoSession          = domain.ErrNoSession
	ErrStorage            = domain.ErrStorage
)

func KindOf(err error) ErrorKind {
	return domain.KindOf(err)
}

// New opens storage and builds a coordinator. A nil config uses defaults
// with in-memory storage; a nil logger uses the config's logger or
// slog.Default().
func New(cfg *Config, logger *slog.Logger) (*Coordinator, error) {
	return core.New(cfg, logger)
}
