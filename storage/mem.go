package storage

import (
	"context"
	"reflect"
	"sync"

	"github.com/go-pg/pg/v10/orm"

	"github.com/paritytech/substrate-archive/model"
)

func NewMemStorage() *MemStorage {
	return &MemStorage{
		Data: map[string][]interface{}{},
	}
}

// MemStorage accumulates models in memory keyed by table name. Used by tests
// that exercise the write path without a database.
type MemStorage struct {
	Data   map[string][]interface{}
	DataMu sync.Mutex
}

var _ model.Storage = (*MemStorage)(nil)
var _ model.StorageBatch = (*MemStorage)(nil)

func (j *MemStorage) PersistModel(ctx context.Context, m interface{}) error {
	value := reflect.ValueOf(m)
	if value.Kind() == reflect.Ptr && value.Elem().Kind() == reflect.Slice {
		value = value.Elem()
	}

	switch value.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < value.Len(); i++ {
			if err := j.PersistModel(ctx, value.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Ptr:
		if value.Elem().Kind() != reflect.Struct {
			return ErrMarshalUnsupportedType
		}
		name := orm.GetTable(value.Elem().Type()).SQLNameForSelects
		j.DataMu.Lock()
		j.Data[stripQuotes(string(name))] = append(j.Data[stripQuotes(string(name))], m)
		j.DataMu.Unlock()
		return nil
	default:
		return ErrMarshalUnsupportedType
	}
}

func (j *MemStorage) PersistBatch(ctx context.Context, ps ...model.Persistable) error {
	for _, p := range ps {
		if err := p.Persist(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// Table returns the rows accumulated for a table.
func (j *MemStorage) Table(name string) []interface{} {
	j.DataMu.Lock()
	defer j.DataMu.Unlock()
	return append([]interface{}(nil), j.Data[name]...)
}

func stripQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '"' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
