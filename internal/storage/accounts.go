package storage

import (
	"parley/internal/auth"

	"go.etcd.io/bbolt"
)

// UpsertAccount stores new or updated account credentials.
func (s *BboltStorage) UpsertAccount(account auth.Account) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		dbAccount := &DBAccount{
			ID:           account.ID,
			Username:     account.Username,
			Email:        account.Email,
			PasswordHash: account.PasswordHash,
			CreatedAt:    account.CreatedAt,
		}

		data, err := dbAccount.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbAccount.Key(), data)
	})
}

// ListAccounts returns all accounts stored in the database.
func (s *BboltStorage) ListAccounts() ([]auth.Account, error) {
	var accounts []auth.Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		return b.ForEach(func(k, v []byte) error {
			var dbAccount DBAccount
			if err := dbAccount.UnmarshalBinary(v); err != nil {
				return err
			}
			accounts = append(accounts, auth.Account{
				ID:           dbAccount.ID,
				Username:     dbAccount.Username,
				Email:        dbAccount.Email,
				PasswordHash: dbAccount.PasswordHash,
				CreatedAt:    dbAccount.CreatedAt,
			})
			return nil
		})
	})
	return accounts, err
}
