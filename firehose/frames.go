package firehose

import (
	"bytes"
	"io"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Frame is one decoded firehose message: two concatenated DAG-CBOR values,
// a header selecting the kind and a body. Exactly one of Body/Err is
// meaningful: error frames carry Err, everything else is a message whose
// schema is selected by Type.
type Frame struct {
	Type string
	Body []byte
	Err  *events.ErrorFrame
}

// IsError reports whether the frame is an error frame (header op < 0).
func (f *Frame) IsError() bool { return f.Err != nil }

// DecodeFrame splits a raw websocket message into its header and body.
// Malformed headers come back as *DecodeError.
func DecodeFrame(msg []byte) (*Frame, error) {
	cr := cbg.NewCborReader(bytes.NewReader(msg))

	var hdr events.EventHeader
	if err := hdr.UnmarshalCBOR(cr); err != nil {
		return nil, decodeErrorf("reading frame header: %s", err)
	}

	if hdr.Op < 0 {
		var ef events.ErrorFrame
		if err := ef.UnmarshalCBOR(cr); err != nil {
			return nil, decodeErrorf("reading error frame body: %s", err)
		}
		return &Frame{Err: &ef}, nil
	}

	body, err := io.ReadAll(cr)
	if err != nil {
		return nil, decodeErrorf("reading frame body: %s", err)
	}

	return &Frame{Type: hdr.MsgType, Body: body}, nil
}

// DecodeCommit decodes the body of a "#commit" frame.
func DecodeCommit(body []byte) (*atproto.SyncSubscribeRepos_Commit, error) {
	var commit atproto.SyncSubscribeRepos_Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(body)); err != nil {
		return nil, decodeErrorf("reading commit body: %s", err)
	}
	return &commit, nil
}
