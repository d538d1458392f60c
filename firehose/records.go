package firehose

import (
	"bytes"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// PostRecord is the decoded form of an app.bsky.feed.post record. Only the
// fields the pipeline cares about are kept; everything else is ignored.
type PostRecord struct {
	Text  string
	Langs []string
	Reply *ReplyRef
}

type ReplyRef struct {
	Parent StrongRef
	Root   StrongRef
}

// StrongRef is a (cid, uri) pair pointing at another record.
type StrongRef struct {
	Cid string
	Uri string
}

// LikeRecord is the decoded form of an app.bsky.feed.like record.
type LikeRecord struct {
	Subject StrongRef
}

// FollowRecord is the decoded form of an app.bsky.graph.follow record.
type FollowRecord struct {
	Subject string
}

func decodeRecordMap(b []byte) (map[string]any, error) {
	cr := cbg.NewCborReader(bytes.NewReader(b))
	v, err := readValue(cr)
	if err != nil {
		return nil, decodeErrorf("could not decode record: %s", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, decodeErrorf("record root is not a map")
	}
	return m, nil
}

func requireString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", decodeErrorf("missing field: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		// Strong refs inside records carry cids as strings, but be lenient
		// about links showing up where a cid string is expected.
		if c, isLink := v.(cid.Cid); isLink {
			return c.String(), nil
		}
		return "", decodeErrorf("field %s is not a string", key)
	}
	return s, nil
}

func requireMap(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok {
		return nil, decodeErrorf("missing field: %s", key)
	}
	mm, ok := v.(map[string]any)
	if !ok {
		return nil, decodeErrorf("field %s is not a map", key)
	}
	return mm, nil
}

func decodeStrongRef(m map[string]any) (StrongRef, error) {
	c, err := requireString(m, "cid")
	if err != nil {
		return StrongRef{}, err
	}
	u, err := requireString(m, "uri")
	if err != nil {
		return StrongRef{}, err
	}
	return StrongRef{Cid: c, Uri: u}, nil
}

// DecodePostRecord decodes a post block. Text is required; langs and reply
// are optional and stay zero-valued when absent.
func DecodePostRecord(b []byte) (*PostRecord, error) {
	m, err := decodeRecordMap(b)
	if err != nil {
		return nil, err
	}

	text, err := requireString(m, "text")
	if err != nil {
		return nil, err
	}

	rec := &PostRecord{Text: text}

	if v, ok := m["langs"]; ok {
		arr, isArr := v.([]any)
		if !isArr {
			return nil, decodeErrorf("field langs is not an array")
		}
		langs := make([]string, 0, len(arr))
		for _, lv := range arr {
			s, isStr := lv.(string)
			if !isStr {
				return nil, decodeErrorf("langs element is not a string")
			}
			langs = append(langs, s)
		}
		rec.Langs = langs
	}

	if v, ok := m["reply"]; ok {
		rm, isMap := v.(map[string]any)
		if !isMap {
			return nil, decodeErrorf("field reply is not a map")
		}
		pm, err := requireMap(rm, "parent")
		if err != nil {
			return nil, err
		}
		parent, err := decodeStrongRef(pm)
		if err != nil {
			return nil, err
		}
		tm, err := requireMap(rm, "root")
		if err != nil {
			return nil, err
		}
		root, err := decodeStrongRef(tm)
		if err != nil {
			return nil, err
		}
		rec.Reply = &ReplyRef{Parent: parent, Root: root}
	}

	return rec, nil
}

func DecodeLikeRecord(b []byte) (*LikeRecord, error) {
	m, err := decodeRecordMap(b)
	if err != nil {
		return nil, err
	}
	sm, err := requireMap(m, "subject")
	if err != nil {
		return nil, err
	}
	subject, err := decodeStrongRef(sm)
	if err != nil {
		return nil, err
	}
	return &LikeRecord{Subject: subject}, nil
}

func DecodeFollowRecord(b []byte) (*FollowRecord, error) {
	m, err := decodeRecordMap(b)
	if err != nil {
		return nil, err
	}
	subject, err := requireString(m, "subject")
	if err != nil {
		return nil, err
	}
	return &FollowRecord{Subject: subject}, nil
}
