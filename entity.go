package kinvey

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Well-known entity fields.
const (
	fieldID       = "_id"
	fieldKMD      = "_kmd"
	fieldACL      = "_acl"
	kmdLocal      = "local"
	kmdLMT        = "lmt"
	kmdECT        = "ect"
	kmdAuthToken  = "authtoken"
	entityIDBytes = 12
)

// Entity is an open JSON object with a string _id and server-managed _kmd and
// _acl envelopes. The SDK never interprets application fields.
type Entity map[string]any

// ID returns the entity's _id, or "" when absent.
func (e Entity) ID() string {
	id, _ := e[fieldID].(string)
	return id
}

// SetID sets the entity's _id.
func (e Entity) SetID(id string) {
	e[fieldID] = id
}

// Metadata returns the _kmd envelope, or nil when absent.
func (e Entity) Metadata() map[string]any {
	kmd, _ := e[fieldKMD].(map[string]any)
	return kmd
}

// IsLocal reports whether the entity carries the _kmd.local marker, i.e. it
// was created offline and has not been pushed yet.
func (e Entity) IsLocal() bool {
	kmd := e.Metadata()
	if kmd == nil {
		return false
	}
	local, _ := kmd[kmdLocal].(bool)
	return local
}

// markLocal stamps _kmd.local = true, creating the envelope when needed.
func (e Entity) markLocal() {
	kmd := e.Metadata()
	if kmd == nil {
		kmd = map[string]any{}
		e[fieldKMD] = kmd
	}
	kmd[kmdLocal] = true
}

// stripLocal removes the local markers in place: the locally-minted _id and
// the _kmd.local stamp. Used when pushing a Create to the backend.
func (e Entity) stripLocal() {
	delete(e, fieldID)
	if kmd := e.Metadata(); kmd != nil {
		delete(kmd, kmdLocal)
		if len(kmd) == 0 {
			delete(e, fieldKMD)
		}
	}
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case Entity:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}

// field resolves a possibly dotted path ("_acl.creator") against the entity.
func (e Entity) field(path string) (any, bool) {
	var cur any = map[string]any(e)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[path[start:i]]
			if !ok {
				return nil, false
			}
			start = i + 1
		}
	}
	return cur, true
}

// NewLocalID mints a 24-character hex entity id for an entity created
// offline: a 4-byte big-endian timestamp followed by 8 random bytes, matching
// the backend's id shape so a push can swap ids without reshaping keys.
func NewLocalID() string {
	var buf [entityIDBytes]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(time.Now().Unix()))
	if _, err := rand.Read(buf[4:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to the
		// nanosecond clock in the trailing 8 bytes rather than returning a
		// zero id.
		binary.BigEndian.PutUint64(buf[4:], uint64(time.Now().UnixNano()))
	}
	return hex.EncodeToString(buf[:])
}

// decodeEntities parses a JSON array of entities.
func decodeEntities(data []byte) ([]Entity, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []Entity
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// encodeEntities serializes entities as a JSON array. A nil slice encodes as
// an empty array so persisted collections are always arrays.
func encodeEntities(entities []Entity) ([]byte, error) {
	if entities == nil {
		entities = []Entity{}
	}
	return json.Marshal(entities)
}
