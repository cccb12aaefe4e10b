// Package wire carries bus sessions over a single bidirectional gRPC stream.
//
// Every message on the stream is a Frame encoded in protobuf wire format.
// Field numbers:
//
//	1 kind        varint
//	2 id          varint   declaration or request id
//	3 query_id    varint
//	4 key_expr    string
//	5 parameters  string
//	6 payload     bytes
//	7 timeout_ms  varint
//	8 error       string
//	9 timestamp   google.protobuf.Timestamp
//	10 decl_kind  varint
//	11 session    string
package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type Kind int32

const (
	KindUnknown Kind = iota
	// HELLO opens a session; the router answers with HELLO carrying the
	// session id.
	KindHello
	// DECLARE registers ID with DeclKind on KeyExpr; the router answers with
	// DECLARE_ACK (Error set on failure).
	KindDeclare
	KindDeclareAck
	KindUndeclare
	// PUT publishes Payload through publisher ID.
	KindPut
	// SAMPLE delivers a publication to subscriber ID.
	KindSample
	// GET issues query QueryID through querier ID.
	KindGet
	// QUERY delivers query QueryID to queryable ID.
	KindQuery
	// REPLY, REPLY_ERR and REPLY_FINAL travel from the queryable side
	// (answering QueryID) and from the router to the querier side.
	KindReply
	KindReplyErr
	KindReplyFinal
	// QUERY_DONE tells the querier side that QueryID is complete.
	KindQueryDone
	KindClose
)

var kindNames = map[Kind]string{
	KindHello:      "HELLO",
	KindDeclare:    "DECLARE",
	KindDeclareAck: "DECLARE_ACK",
	KindUndeclare:  "UNDECLARE",
	KindPut:        "PUT",
	KindSample:     "SAMPLE",
	KindGet:        "GET",
	KindQuery:      "QUERY",
	KindReply:      "REPLY",
	KindReplyErr:   "REPLY_ERR",
	KindReplyFinal: "REPLY_FINAL",
	KindQueryDone:  "QUERY_DONE",
	KindClose:      "CLOSE",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", int32(k))
}

type DeclKind int32

const (
	DeclNone DeclKind = iota
	DeclPublisher
	DeclSubscriber
	DeclQueryable
	DeclQuerier
)

func (d DeclKind) String() string {
	switch d {
	case DeclPublisher:
		return "publisher"
	case DeclSubscriber:
		return "subscriber"
	case DeclQueryable:
		return "queryable"
	case DeclQuerier:
		return "querier"
	}
	return "none"
}

// Frame is one message on a bus session stream.
type Frame struct {
	Kind       Kind
	ID         uint64
	QueryID    uint64
	KeyExpr    string
	Parameters string
	Payload    []byte
	TimeoutMs  int64
	Error      string
	Timestamp  time.Time
	DeclKind   DeclKind
	Session    string
}

const (
	fieldKind       protowire.Number = 1
	fieldID         protowire.Number = 2
	fieldQueryID    protowire.Number = 3
	fieldKeyExpr    protowire.Number = 4
	fieldParameters protowire.Number = 5
	fieldPayload    protowire.Number = 6
	fieldTimeoutMs  protowire.Number = 7
	fieldError      protowire.Number = 8
	fieldTimestamp  protowire.Number = 9
	fieldDeclKind   protowire.Number = 10
	fieldSession    protowire.Number = 11
)

// Marshal encodes f. Zero-valued fields are omitted.
func (f *Frame) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldKind, uint64(f.Kind))
	b = appendVarint(b, fieldID, f.ID)
	b = appendVarint(b, fieldQueryID, f.QueryID)
	b = appendString(b, fieldKeyExpr, f.KeyExpr)
	b = appendString(b, fieldParameters, f.Parameters)
	if f.Payload != nil {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	b = appendVarint(b, fieldTimeoutMs, uint64(f.TimeoutMs))
	b = appendString(b, fieldError, f.Error)
	if !f.Timestamp.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(f.Timestamp))
		if err != nil {
			return nil, fmt.Errorf("wire: marshal timestamp: %w", err)
		}
		b = protowire.AppendTag(b, fieldTimestamp, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	b = appendVarint(b, fieldDeclKind, uint64(f.DeclKind))
	b = appendString(b, fieldSession, f.Session)
	return b, nil
}

// Unmarshal decodes b into f, replacing its contents. Unknown fields are
// skipped.
func (f *Frame) Unmarshal(b []byte) error {
	*f = Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			f.setVarint(num, v)
		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := f.setBytes(num, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func isVarintField(n protowire.Number) bool {
	switch n {
	case fieldKind, fieldID, fieldQueryID, fieldTimeoutMs, fieldDeclKind:
		return true
	}
	return false
}

func isBytesField(n protowire.Number) bool {
	switch n {
	case fieldKeyExpr, fieldParameters, fieldPayload, fieldError, fieldTimestamp, fieldSession:
		return true
	}
	return false
}

func (f *Frame) setVarint(n protowire.Number, v uint64) {
	switch n {
	case fieldKind:
		f.Kind = Kind(v)
	case fieldID:
		f.ID = v
	case fieldQueryID:
		f.QueryID = v
	case fieldTimeoutMs:
		f.TimeoutMs = int64(v)
	case fieldDeclKind:
		f.DeclKind = DeclKind(v)
	}
}

func (f *Frame) setBytes(n protowire.Number, v []byte) error {
	switch n {
	case fieldKeyExpr:
		f.KeyExpr = string(v)
	case fieldParameters:
		f.Parameters = string(v)
	case fieldPayload:
		f.Payload = append([]byte{}, v...)
	case fieldError:
		f.Error = string(v)
	case fieldSession:
		f.Session = string(v)
	case fieldTimestamp:
		var ts timestamppb.Timestamp
		if err := proto.Unmarshal(v, &ts); err != nil {
			return fmt.Errorf("wire: timestamp: %w", err)
		}
		if err := ts.CheckValid(); err != nil {
			return fmt.Errorf("wire: timestamp: %w", err)
		}
		f.Timestamp = ts.AsTime()
	}
	return nil
}

func appendVarint(b []byte, n protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, n protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendString(b, s)
}
