package storage

import (
	"context"
	"errors"
	"reflect"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"go.opencensus.io/stats"

	"github.com/paritytech/substrate-archive/metrics"
)

// Postgres caps bind parameters at 65535 per statement, but statements that
// large are slow to plan and block the connection for seconds at a time.
// ChunkMax keeps individual inserts small enough that several can run back to
// back without starving other writers; the value carries over from profiling
// storage inserts of 30-400 changes per block.
const ChunkMax = 5000

var ErrMarshalUnsupportedType = errors.New("cannot marshal unsupported type")

// rowsPerStatement returns how many rows fit in one insert statement given the
// number of bind arguments each row contributes.
func rowsPerStatement(argsPerRow, maxArgs int) int {
	if argsPerRow <= 0 {
		return maxArgs
	}
	n := maxArgs / argsPerRow
	if n < 1 {
		return 1
	}
	return n
}

// insertChunked inserts a model or slice of models, splitting slices into
// multiple statements so no statement exceeds the parameter bound. Callers see
// a single logical insert.
func insertChunked(ctx context.Context, tx *pg.Tx, m interface{}, onConflict string) error {
	v := reflect.ValueOf(m)
	if v.Kind() == reflect.Ptr && v.Elem().Kind() == reflect.Struct {
		if _, err := tx.ModelContext(ctx, m).OnConflict(onConflict).Insert(); err != nil {
			return err
		}
		stats.Record(ctx, metrics.PersistStatement.M(1))
		return nil
	}

	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Slice {
		return ErrMarshalUnsupportedType
	}
	if v.Len() == 0 {
		return nil
	}

	structType := v.Type().Elem()
	if structType.Kind() != reflect.Ptr || structType.Elem().Kind() != reflect.Struct {
		return ErrMarshalUnsupportedType
	}
	argsPerRow := len(orm.GetTable(structType.Elem()).Fields)

	step := rowsPerStatement(argsPerRow, ChunkMax)
	for i := 0; i < v.Len(); i += step {
		j := i + step
		if j > v.Len() {
			j = v.Len()
		}
		chunk := reflect.New(v.Type())
		chunk.Elem().Set(v.Slice(i, j))
		if _, err := tx.ModelContext(ctx, chunk.Interface()).OnConflict(onConflict).Insert(); err != nil {
			return err
		}
		stats.Record(ctx, metrics.PersistStatement.M(1))
	}
	return nil
}
