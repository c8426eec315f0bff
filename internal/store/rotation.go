package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// RotationStore advances the per-(caller, gateway model) candidate cursor.
// Storage failures degrade to index 0 so routing never fails on its account.
type RotationStore struct {
	db *DB

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewRotationStore creates a rotation store over the shared database.
func NewRotationStore(db *DB) *RotationStore {
	return &RotationStore{db: db, keys: make(map[string]*sync.Mutex)}
}

// NextIndex returns the starting candidate index for this request and
// advances the persisted cursor. The first request for a key starts at 0;
// subsequent requests get (last+1) mod n. Access is serialized per key so
// concurrent requests from the same caller get consecutive indexes.
func (r *RotationStore) NextIndex(ctx context.Context, callerKey, gatewayModel string, n int) int {
	if r == nil || r.db == nil || n <= 0 {
		return 0
	}
	keyMu := r.keyMutex(callerKey + "\x00" + gatewayModel)
	keyMu.Lock()
	defer keyMu.Unlock()

	var last int
	err := r.db.sql.QueryRowContext(ctx,
		`SELECT last_model_index FROM model_rotation WHERE api_key = ? AND gateway_model = ?`,
		callerKey, gatewayModel).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err = r.db.sql.ExecContext(ctx,
			`INSERT INTO model_rotation (api_key, gateway_model, last_model_index) VALUES (?, ?, 0)`,
			callerKey, gatewayModel); err != nil {
			log.WithField("model", gatewayModel).Errorf("rotation insert failed: %v", err)
		}
		return 0
	case err != nil:
		log.WithField("model", gatewayModel).Errorf("rotation read failed: %v", err)
		return 0
	}

	next := (last + 1) % n
	if _, err = r.db.sql.ExecContext(ctx,
		`UPDATE model_rotation SET last_model_index = ? WHERE api_key = ? AND gateway_model = ?`,
		next, callerKey, gatewayModel); err != nil {
		log.WithField("model", gatewayModel).Errorf("rotation update failed: %v", err)
		return 0
	}
	return next
}

func (r *RotationStore) keyMutex(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.keys[key]
	if !ok {
		mu = &sync.Mutex{}
		r.keys[key] = mu
	}
	return mu
}
