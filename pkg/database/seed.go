package database

import (
	"context"
	"fmt"
	"time"

	"marketchat/internal/domain/message"
	"marketchat/internal/domain/user"
	"marketchat/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SeedConfig controls how much demo data is created.
type SeedConfig struct {
	Sellers         int
	BuyersPerSeller int
	Messages        int
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{Sellers: 2, BuyersPerSeller: 3, Messages: 4}
}

// SeedTargets are the stores the seeder writes to.
type SeedTargets struct {
	Conversations repository.ConversationRepository
	Messages      repository.MessageRepository
	Users         repository.UserRepository
}

// SeedResult holds what the seeding operation created.
type SeedResult struct {
	Profiles      []user.Profile
	Conversations []uuid.UUID
	Messages      int
}

var demoLines = []string{
	"Hi! Is this still available?",
	"Yes, it is.",
	"Would you take a lower offer?",
	"I can do a small discount if you pick it up today.",
	"Deal. Where can we meet?",
	"The station entrance works for me.",
}

// Seed creates demo sellers and buyers, one listing-scoped conversation per
// pair and a short alternating exchange in each. Running it again adds a new
// set of users; it never touches existing rows.
func Seed(ctx context.Context, to SeedTargets, cfg SeedConfig, log *zap.Logger) (*SeedResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	result := &SeedResult{}

	newProfile := func(name string) (user.Profile, error) {
		p := user.Profile{ID: uuid.New(), DisplayName: name, UpdatedAt: time.Now().UTC()}
		if err := to.Users.UpsertProfile(ctx, p); err != nil {
			return user.Profile{}, fmt.Errorf("seed profile %s: %w", name, err)
		}
		result.Profiles = append(result.Profiles, p)
		return p, nil
	}

	for s := range cfg.Sellers {
		seller, err := newProfile(fmt.Sprintf("Seller %d", s+1))
		if err != nil {
			return result, err
		}
		listing := uuid.NullUUID{UUID: uuid.New(), Valid: true}

		for b := range cfg.BuyersPerSeller {
			buyer, err := newProfile(fmt.Sprintf("Buyer %d.%d", s+1, b+1))
			if err != nil {
				return result, err
			}
			conv, _, err := to.Conversations.FindOrCreate(ctx, buyer.ID, seller.ID, listing)
			if err != nil {
				return result, fmt.Errorf("seed conversation: %w", err)
			}
			result.Conversations = append(result.Conversations, conv.ID)

			for i := range cfg.Messages {
				sender := buyer.ID
				if i%2 == 1 {
					sender = seller.ID
				}
				_, _, err := to.Messages.Append(ctx, message.Message{
					ID:             uuid.New(),
					ConversationID: conv.ID,
					SenderID:       sender,
					Kind:           message.KindText,
					Body:           message.Body{Text: demoLines[i%len(demoLines)]},
				})
				if err != nil {
					return result, fmt.Errorf("seed message: %w", err)
				}
				result.Messages++
			}
		}
		log.Info("seeded seller", zap.String("seller_id", seller.ID.String()), zap.Int("buyers", cfg.BuyersPerSeller))
	}
	return result, nil
}
