package mongostore

import (
	"context"
	"time"

	"parley/internal/auth"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const accountTimeout = 5 * time.Second

type accountRecord struct {
	ID           string `bson:"_id"`
	Username     string `bson:"username"`
	Email        string `bson:"email"`
	PasswordHash string `bson:"passwordHash"`
	CreatedAt    int64  `bson:"createdAt"`
}

func (s *Store) UpsertAccount(account auth.Account) error {
	ctx, cancel := context.WithTimeout(context.Background(), accountTimeout)
	defer cancel()
	rec := accountRecord{
		ID:           account.ID,
		Username:     account.Username,
		Email:        account.Email,
		PasswordHash: account.PasswordHash,
		CreatedAt:    account.CreatedAt,
	}
	_, err := s.db.Collection(accountsCollection).ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	return storeError(err)
}

func (s *Store) ListAccounts() ([]auth.Account, error) {
	ctx, cancel := context.WithTimeout(context.Background(), accountTimeout)
	defer cancel()
	cursor, err := s.db.Collection(accountsCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, storeError(err)
	}
	var recs []accountRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, storeError(err)
	}
	accounts := make([]auth.Account, 0, len(recs))
	for _, r := range recs {
		accounts = append(accounts, auth.Account{
			ID:           r.ID,
			Username:     r.Username,
			Email:        r.Email,
			PasswordHash: r.PasswordHash,
			CreatedAt:    r.CreatedAt,
		})
	}
	return accounts, nil
}
