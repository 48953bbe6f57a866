package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/l1jgo/scenebridge/internal/crdt"
	"github.com/l1jgo/scenebridge/internal/wire"
)

// ErrDigestMismatch is returned when a loaded snapshot does not hash to the
// digest stored with it.
var ErrDigestMismatch = errors.New("snapshot digest mismatch")

var (
	entryColumns   = []string{"scene", "entity", "component", "ts", "payload", "deleted", "is_append", "floor", "has_floor"}
	elementColumns = []string{"scene", "entity", "component", "seq", "ts", "payload"}
)

// SnapshotRepo stores converged scene state, one row per key.
type SnapshotRepo struct {
	db  *DB
	log *zap.Logger
}

func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db, log: db.log.Named("snapshots")}
}

// SaveSnapshot replaces the stored state of scene in a single transaction.
func (r *SnapshotRepo) SaveSnapshot(ctx context.Context, scene string, snap crdt.Snapshot) error {
	digest := crdt.DigestOf(snap)

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("snapshot begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO scene_snapshots (scene, digest, dead, entry_count, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (scene) DO UPDATE
		 SET digest = EXCLUDED.digest, dead = EXCLUDED.dead,
		     entry_count = EXCLUDED.entry_count, updated_at = now()`,
		scene, digest[:], deadColumn(snap.Dead), len(snap.Entries),
	); err != nil {
		return fmt.Errorf("snapshot upsert: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM scene_entries WHERE scene = $1`, scene); err != nil {
		return fmt.Errorf("snapshot clear: %w", err)
	}

	if rows := entryRows(scene, snap); len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"scene_entries"}, entryColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("snapshot copy entries: %w", err)
		}
	}
	if rows := elementRows(scene, snap); len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"scene_elements"}, elementColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("snapshot copy elements: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("snapshot commit: %w", err)
	}
	r.log.Debug("snapshot saved", zap.String("scene", scene), zap.Int("entries", len(snap.Entries)))
	return nil
}

// LoadSnapshot reads the stored state of scene. The boolean is false when
// no snapshot exists.
func (r *SnapshotRepo) LoadSnapshot(ctx context.Context, scene string) (crdt.Snapshot, bool, error) {
	var (
		digest []byte
		dead   []int64
	)
	err := r.db.Pool.QueryRow(ctx,
		`SELECT digest, dead FROM scene_snapshots WHERE scene = $1`, scene,
	).Scan(&digest, &dead)
	if errors.Is(err, pgx.ErrNoRows) {
		return crdt.Snapshot{}, false, nil
	}
	if err != nil {
		return crdt.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", scene, err)
	}

	snap := crdt.Snapshot{}
	for _, d := range dead {
		snap.Dead = append(snap.Dead, wire.EntityID(d))
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT entity, component, ts, payload, deleted, is_append, floor, has_floor
		 FROM scene_entries WHERE scene = $1 ORDER BY entity, component`, scene)
	if err != nil {
		return crdt.Snapshot{}, false, fmt.Errorf("load entries %s: %w", scene, err)
	}
	index := make(map[wire.Key]int)
	for rows.Next() {
		var (
			ent, ts, floor int64
			comp           int32
			e              crdt.Entry
		)
		if err := rows.Scan(&ent, &comp, &ts, &e.Payload, &e.Deleted, &e.Append, &floor, &e.HasFloor); err != nil {
			rows.Close()
			return crdt.Snapshot{}, false, fmt.Errorf("scan entry: %w", err)
		}
		e.Key = wire.Key{Entity: wire.EntityID(ent), Component: wire.ComponentID(comp)}
		e.Timestamp = wire.Timestamp(ts)
		e.Floor = wire.Timestamp(floor)
		if len(e.Payload) == 0 {
			e.Payload = nil
		}
		index[e.Key] = len(snap.Entries)
		snap.Entries = append(snap.Entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return crdt.Snapshot{}, false, fmt.Errorf("load entries %s: %w", scene, err)
	}

	rows, err = r.db.Pool.Query(ctx,
		`SELECT entity, component, ts, payload
		 FROM scene_elements WHERE scene = $1 ORDER BY entity, component, seq`, scene)
	if err != nil {
		return crdt.Snapshot{}, false, fmt.Errorf("load elements %s: %w", scene, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ent, ts int64
			comp    int32
			payload []byte
		)
		if err := rows.Scan(&ent, &comp, &ts, &payload); err != nil {
			return crdt.Snapshot{}, false, fmt.Errorf("scan element: %w", err)
		}
		key := wire.Key{Entity: wire.EntityID(ent), Component: wire.ComponentID(comp)}
		i, ok := index[key]
		if !ok {
			return crdt.Snapshot{}, false, fmt.Errorf("element for missing entry %d/%d", key.Entity, key.Component)
		}
		if len(payload) == 0 {
			payload = nil
		}
		snap.Entries[i].Elements = append(snap.Entries[i].Elements, crdt.Element{Timestamp: wire.Timestamp(ts), Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return crdt.Snapshot{}, false, fmt.Errorf("load elements %s: %w", scene, err)
	}

	if err := verifyDigest(snap, digest); err != nil {
		return crdt.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", scene, err)
	}
	return snap, true, nil
}

// Scenes lists the names of every stored snapshot.
func (r *SnapshotRepo) Scenes(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT scene FROM scene_snapshots ORDER BY scene`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return names, nil
}

// DeleteSnapshot removes the stored state of scene.
func (r *SnapshotRepo) DeleteSnapshot(ctx context.Context, scene string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM scene_snapshots WHERE scene = $1`, scene)
	return err
}

func deadColumn(dead []wire.EntityID) []int64 {
	out := make([]int64, len(dead))
	for i, d := range dead {
		out[i] = int64(d)
	}
	return out
}

func entryRows(scene string, snap crdt.Snapshot) [][]any {
	rows := make([][]any, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		rows = append(rows, []any{
			scene, int64(e.Key.Entity), int32(e.Key.Component), int64(e.Timestamp), notNull(e.Payload),
			e.Deleted, e.Append, int64(e.Floor), e.HasFloor,
		})
	}
	return rows
}

func elementRows(scene string, snap crdt.Snapshot) [][]any {
	var rows [][]any
	for _, e := range snap.Entries {
		for seq, el := range e.Elements {
			rows = append(rows, []any{
				scene, int64(e.Key.Entity), int32(e.Key.Component), int32(seq), int64(el.Timestamp), notNull(el.Payload),
			})
		}
	}
	return rows
}

// notNull keeps empty payloads out of NULL columns.
func notNull(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func verifyDigest(snap crdt.Snapshot, want []byte) error {
	got := crdt.DigestOf(snap)
	if !bytes.Equal(got[:], want) {
		return ErrDigestMismatch
	}
	return nil
}
