package flow

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"encoding/gob"
	"reflect"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache memoizes task outputs keyed by task name, cache version and inputs.
type Cache struct {
	entries *lru.Cache[uint64, map[string]any]
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewCache returns a cache holding at most size task results.
func NewCache(size int) (*Cache, error) {
	entries, err := lru.New[uint64, map[string]any](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Key hashes the task identity and a canonical encoding of its inputs in
// name order. Map entries are encoded in key order, so equal inputs always
// give the same key. ok is false when an input cannot be encoded.
func (c *Cache) Key(task, version string, inputs map[string]any) (key uint64, ok bool) {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	d := xxhash.New()
	_, _ = d.WriteString(task)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(version)
	_, _ = d.Write([]byte{0})

	var buf bytes.Buffer
	for _, name := range names {
		buf.Reset()
		if err := writeCanonical(&buf, reflect.ValueOf(inputs[name])); err != nil {
			return 0, false
		}
		_, _ = d.WriteString(name)
		_, _ = d.Write([]byte{0})
		_, _ = d.Write(buf.Bytes())
	}
	return d.Sum64(), true
}

var (
	gobEncoderType    = reflect.TypeOf((*gob.GobEncoder)(nil)).Elem()
	binaryMarshalType = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
)

// writeCanonical encodes v so that equal values give equal bytes. Maps,
// slices and plain structs are walked; everything else is gob encoded.
func writeCanonical(buf *bytes.Buffer, v reflect.Value) error {
	if !v.IsValid() {
		buf.WriteByte('n')
		return nil
	}
	t := v.Type()
	buf.WriteString(t.String())
	buf.WriteByte(0)

	if t.Implements(gobEncoderType) || t.Implements(binaryMarshalType) {
		return writeGob(buf, v)
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			buf.WriteByte('n')
			return nil
		}
		return writeCanonical(buf, v.Elem())

	case reflect.Map:
		if v.IsNil() {
			buf.WriteByte('n')
			return nil
		}
		type entry struct {
			key []byte
			val reflect.Value
		}
		entries := make([]entry, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			var kb bytes.Buffer
			if err := writeCanonical(&kb, iter.Key()); err != nil {
				return err
			}
			entries = append(entries, entry{key: kb.Bytes(), val: iter.Value()})
		}
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].key, entries[j].key) < 0
		})
		writeLen(buf, len(entries))
		for _, e := range entries {
			writeLen(buf, len(e.key))
			buf.Write(e.key)
			if err := writeCanonical(buf, e.val); err != nil {
				return err
			}
		}
		return nil

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			buf.WriteByte('n')
			return nil
		}
		writeLen(buf, v.Len())
		for i := 0; i < v.Len(); i++ {
			if err := writeCanonical(buf, v.Index(i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				// Types with unexported fields keep gob semantics.
				return writeGob(buf, v)
			}
		}
		for i := 0; i < t.NumField(); i++ {
			buf.WriteString(t.Field(i).Name)
			buf.WriteByte(0)
			if err := writeCanonical(buf, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	}
	return writeGob(buf, v)
}

func writeGob(buf *bytes.Buffer, v reflect.Value) error {
	var tmp bytes.Buffer
	if err := gob.NewEncoder(&tmp).EncodeValue(v); err != nil {
		return err
	}
	writeLen(buf, tmp.Len())
	buf.Write(tmp.Bytes())
	return nil
}

func writeLen(buf *bytes.Buffer, n int) {
	var b [binary.MaxVarintLen64]byte
	buf.Write(b[:binary.PutUvarint(b[:], uint64(n))])
}

// Get returns a copy of the cached outputs for key.
func (c *Cache) Get(key uint64) (map[string]any, bool) {
	out, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return copyMap(out), true
}

// Add stores outputs under key.
func (c *Cache) Add(key uint64, outputs map[string]any) {
	c.entries.Add(key, copyMap(outputs))
}

// Len returns the number of cached results.
func (c *Cache) Len() int { return c.entries.Len() }

// Purge drops every cached result.
func (c *Cache) Purge() { c.entries.Purge() }

// Stats returns the hit and miss counts since creation.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
