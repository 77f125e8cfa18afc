// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package base

import (
	"context"

	"github.com/AzureAD/msal-token-cache-go/apps/internal/logger"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/authority"
)

// state is a step of a token acquisition.
type state int

const (
	statePending state = iota
	stateRequested
	stateValidated
	stateCached
	stateReturned
	stateFailed
)

func (s state) String() string {
	switch s {
	case statePending:
		return "Pending"
	case stateRequested:
		return "Requested"
	case stateValidated:
		return "Validated"
	case stateCached:
		return "Cached"
	case stateReturned:
		return "Returned"
	case stateFailed:
		return "Failed"
	}
	return "Unknown"
}

// pipeline tracks one acquisition through its states and logs each transition at debug.
type pipeline struct {
	log           logger.LoggerInterface
	correlationID string
	flow          string
	state         state
}

func (b Client) newPipeline(ctx context.Context, ap authority.AuthParams) *pipeline {
	p := &pipeline{log: b.log, correlationID: ap.CorrelationID, flow: ap.AuthorizationType.String()}
	p.to(ctx, statePending)
	return p
}

func (p *pipeline) to(ctx context.Context, s state) {
	p.state = s
	p.log.Log(ctx, logger.Debug, "token acquisition",
		logger.Field("state", s.String()),
		logger.Field("flow", p.flow),
		logger.Field("correlation_id", p.correlationID),
	)
}

// fail moves to stateFailed and returns err.
func (p *pipeline) fail(ctx context.Context, err error) error {
	from := p.state
	p.state = stateFailed
	p.log.Log(ctx, logger.Debug, "token acquisition",
		logger.Field("state", stateFailed.String()),
		logger.Field("from", from.String()),
		logger.Field("flow", p.flow),
		logger.Field("correlation_id", p.correlationID),
		logger.Field("error", err.Error()),
	)
	return err
}
