package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"money-transfer/internal/domain"
)

type accountDoc struct {
	BankName string    `bson:"bankName"`
	Balance  int64     `bson:"balance"`
	Status   string    `bson:"status"`
	Created  time.Time `bson:"created"`
}

type transactionDoc struct {
	Operation      string    `bson:"operation"`
	Amount         int64     `bson:"amount"`
	TxID           string    `bson:"txId"`
	IdempotencyKey string    `bson:"idempotencyKey"`
	BankName       string    `bson:"bankName"`
	Timestamp      time.Time `bson:"timestamp"`
}

// Mongo is the MongoDB account store. Balance updates and audit inserts run in
// a multi-document transaction, so the deployment must be a replica set.
type Mongo struct {
	client       *mongo.Client
	accounts     *mongo.Collection
	transactions *mongo.Collection
}

// NewMongo binds to db and ensures the unique indexes the store relies on.
func NewMongo(ctx context.Context, client *mongo.Client, db string) (*Mongo, error) {
	d := client.Database(db)
	m := &Mongo{
		client:       client,
		accounts:     d.Collection("accounts"),
		transactions: d.Collection("transactions"),
	}

	if _, err := m.accounts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "bankName", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("accounts index: %w", err)
	}
	if _, err := m.transactions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "bankName", Value: 1}, {Key: "idempotencyKey", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("transactions index: %w", err)
	}
	return m, nil
}

func (m *Mongo) CreateAccount(ctx context.Context, name string, initialBalance int64) (domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Account{}, domain.ErrValidation
	}
	if initialBalance < 0 {
		return domain.Account{}, domain.ErrInvalidAmount
	}

	_, err := m.accounts.UpdateOne(ctx,
		bson.M{"bankName": name},
		bson.M{"$setOnInsert": accountDoc{
			BankName: name,
			Balance:  initialBalance,
			Status:   string(domain.StatusActive),
			Created:  time.Now().UTC(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return domain.Account{}, err
	}
	return m.FindAccount(ctx, name)
}

func (m *Mongo) FindAccount(ctx context.Context, name string) (domain.Account, error) {
	var doc accountDoc
	err := m.accounts.FindOne(ctx, bson.M{"bankName": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, err
	}
	return doc.toAccount(), nil
}

func (m *Mongo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	cur, err := m.accounts.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "bankName", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []accountDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Account, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toAccount())
	}
	return out, nil
}

func (m *Mongo) UpdateStatus(ctx context.Context, name string, status domain.AccountStatus) error {
	if _, err := domain.ParseAccountStatus(string(status)); err != nil {
		return err
	}
	res, err := m.accounts.UpdateOne(ctx, bson.M{"bankName": name}, bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (m *Mongo) ApplyTransaction(ctx context.Context, newBalance int64, t domain.Transaction) error {
	sess, err := m.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		res, err := m.accounts.UpdateOne(sc, bson.M{"bankName": t.Account}, bson.M{"$set": bson.M{"balance": newBalance}})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, domain.ErrAccountNotFound
		}
		_, err = m.transactions.InsertOne(sc, transactionDoc{
			Operation:      string(t.Operation),
			Amount:         t.Amount,
			TxID:           t.ID,
			IdempotencyKey: t.IdempotencyKey,
			BankName:       t.Account,
			Timestamp:      t.Timestamp,
		})
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, t.IdempotencyKey)
		}
		return nil, err
	})
	return err
}

func (m *Mongo) IdempotencyRecords(ctx context.Context, name string) (map[string]string, error) {
	cur, err := m.transactions.Find(ctx, bson.M{"bankName": name},
		options.Find().SetProjection(bson.M{"idempotencyKey": 1, "txId": 1}))
	if err != nil {
		return nil, err
	}
	var docs []transactionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(docs))
	for _, d := range docs {
		out[d.IdempotencyKey] = d.TxID
	}
	return out, nil
}

func (d accountDoc) toAccount() domain.Account {
	status := domain.AccountStatus(d.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.Account{Name: d.BankName, Balance: d.Balance, Status: status, Created: d.Created}
}
