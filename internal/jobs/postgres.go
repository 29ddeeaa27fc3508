package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/booker-api/internal/crypto"
	"github.com/example/booker-api/internal/db"
	"github.com/example/booker-api/internal/domain/booking"
)

// PostgresStore persists records in the booking_jobs table. When sealer is
// set, the request snapshot (which carries contact details) is stored encrypted.
type PostgresStore struct {
	db     *db.DB
	sealer *crypto.AEAD
	now    func() time.Time
}

func NewPostgresStore(d *db.DB, sealer *crypto.AEAD) *PostgresStore {
	return &PostgresStore{db: d, sealer: sealer, now: time.Now}
}

const selectRecord = `
SELECT id,status,message,request,sealed,result,error,warnings,coordinates,callback,created_at,updated_at
FROM booking_jobs
WHERE id=$1`

func (s *PostgresStore) Create(ctx context.Context, id string, req booking.Request) (Record, error) {
	r := newRecord(id, req, s.now())
	row, err := s.encode(r)
	if err != nil {
		return Record{}, err
	}

	var inserted bool
	err = s.db.QueryRow(ctx, `
INSERT INTO booking_jobs(id,status,message,request,sealed,warnings,callback,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO NOTHING
RETURNING true`,
		r.ID, string(r.Status), r.Message, row.request, row.sealed, row.warnings, row.callback, r.CreatedAt, r.UpdatedAt,
	).Scan(&inserted)
	if db.IsNotFound(err) {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if err != nil {
		return Record{}, db.WrapNotFound(err)
	}
	return r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	return s.load(s.db.QueryRow(ctx, selectRecord, id), id)
}

func (s *PostgresStore) Transition(ctx context.Context, id string, u Update) (Record, error) {
	var out Record
	err := s.db.InTx(ctx, func(tx db.Tx) error {
		cur, err := s.load(tx.QueryRow(ctx, selectRecord+` FOR UPDATE`, id), id)
		if err != nil {
			return err
		}
		next, err := apply(cur, u, s.now())
		if err != nil {
			out = cur
			return err
		}
		row, err := s.encode(next)
		if err != nil {
			return err
		}
		err = tx.Exec(ctx, `
UPDATE booking_jobs SET status=$2, message=$3, result=$4, error=$5, warnings=$6, coordinates=$7, updated_at=$8
WHERE id=$1`,
			next.ID, string(next.Status), next.Message, row.result, row.err, row.warnings, row.coordinates, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		out = next
		return nil
	})
	return out, err
}

func (s *PostgresStore) SetCallback(ctx context.Context, id string, cb CallbackState) error {
	b, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	var found bool
	err = s.db.QueryRow(ctx, `UPDATE booking_jobs SET callback=$2, updated_at=$3 WHERE id=$1 RETURNING true`,
		id, string(b), s.now()).Scan(&found)
	if db.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return db.WrapNotFound(err)
}

type encodedRow struct {
	request     string
	sealed      bool
	result      *string
	err         *string
	warnings    string
	coordinates *string
	callback    *string
}

func (s *PostgresStore) encode(r Record) (encodedRow, error) {
	var row encodedRow

	req, err := json.Marshal(r.Request)
	if err != nil {
		return row, err
	}
	row.request = string(req)
	if s.sealer != nil {
		if row.request, err = s.sealer.Seal(req, []byte(r.ID)); err != nil {
			return row, fmt.Errorf("seal request: %w", err)
		}
		row.sealed = true
	}

	warnings := r.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	w, err := json.Marshal(warnings)
	if err != nil {
		return row, err
	}
	row.warnings = string(w)

	if row.result, err = optionalJSON(r.Result); err != nil {
		return row, err
	}
	if row.coordinates, err = optionalJSON(r.Coordinates); err != nil {
		return row, err
	}
	if row.callback, err = optionalJSON(r.Callback); err != nil {
		return row, err
	}
	if r.Status == StatusFailed {
		e := r.Error
		row.err = &e
	}
	return row, nil
}

func optionalJSON[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func (s *PostgresStore) load(row db.Row, id string) (Record, error) {
	var (
		r                             Record
		status, request, warnings     string
		sealed                        bool
		result, errText, coords, cbck *string
	)
	err := row.Scan(&r.ID, &status, &r.Message, &request, &sealed, &result, &errText, &warnings, &coords, &cbck, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if db.IsNotFound(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, fmt.Errorf("db: %w", err)
	}

	r.Status = Status(status)

	raw := []byte(request)
	if sealed {
		if s.sealer == nil {
			return Record{}, errors.New("jobs: record is sealed but no key is configured")
		}
		if raw, err = s.sealer.Open(request, []byte(r.ID)); err != nil {
			return Record{}, fmt.Errorf("open request: %w", err)
		}
	}
	if err := json.Unmarshal(raw, &r.Request); err != nil {
		return Record{}, fmt.Errorf("decode request: %w", err)
	}
	if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
		return Record{}, fmt.Errorf("decode warnings: %w", err)
	}
	if len(r.Warnings) == 0 {
		r.Warnings = nil
	}
	if result != nil {
		r.Result = new(booking.Result)
		if err := json.Unmarshal([]byte(*result), r.Result); err != nil {
			return Record{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if coords != nil {
		r.Coordinates = new(booking.Coordinates)
		if err := json.Unmarshal([]byte(*coords), r.Coordinates); err != nil {
			return Record{}, fmt.Errorf("decode coordinates: %w", err)
		}
	}
	if cbck != nil {
		r.Callback = new(CallbackState)
		if err := json.Unmarshal([]byte(*cbck), r.Callback); err != nil {
			return Record{}, fmt.Errorf("decode callback: %w", err)
		}
	}
	if errText != nil {
		r.Error = *errText
	}
	return r, nil
}
