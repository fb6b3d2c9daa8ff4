package services

import (
	"context"

	"marketchat/internal/domain/user"
	"marketchat/internal/events"
	"marketchat/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type profileSet map[uuid.UUID]user.Profile

func (p profileSet) get(id uuid.UUID) user.Profile {
	if profile, ok := p[id]; ok {
		return profile
	}
	return user.Placeholder(id)
}

// loadProfiles never fails the caller: a missing read model only degrades the
// display name.
func loadProfiles(ctx context.Context, users repository.UserRepository, logger *zap.Logger, ids []uuid.UUID) profileSet {
	if users == nil || len(ids) == 0 {
		return profileSet{}
	}
	profiles, err := users.GetProfiles(ctx, ids)
	if err != nil {
		logger.Warn("profile lookup failed", zap.Int("count", len(ids)), zap.Error(err))
		return profileSet{}
	}
	return profiles
}

func publishDomainEvent(ctx context.Context, opts Options, eventType, aggregateType string, aggregateID uuid.UUID, payload any) {
	if opts.Events == nil {
		return
	}
	env, err := events.NewEnvelope(eventType, aggregateType, aggregateID.String(), payload)
	if err != nil {
		opts.Logger.Error("encode domain event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := opts.Events.Publish(ctx, env); err != nil {
		opts.Logger.Warn("publish domain event",
			zap.String("event_type", eventType),
			zap.String("aggregate_id", env.AggregateID),
			zap.Error(err),
		)
	}
}
