package firehose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
)

const (
	// DefaultHost is the relay the subscriber connects to when no host is
	// configured.
	DefaultHost = "bsky.network"

	subscribePath = "/xrpc/com.atproto.sync.subscribeRepos"

	// readIdleTimeout bounds the wait for the next message; a stream that
	// goes quiet for longer is treated as a dead connection.
	readIdleTimeout = 60 * time.Second
)

const (
	NSIDFeedPost    = "app.bsky.feed.post"
	NSIDFeedLike    = "app.bsky.feed.like"
	NSIDGraphFollow = "app.bsky.graph.follow"
)

// Operation is one record-level change extracted from a commit. It is a
// closed set: the six implementations below are the only ones.
type Operation interface {
	isOperation()
}

type CreatePost struct {
	AuthorDid string
	Cid       string
	Uri       string
	Post      *PostRecord
}

type CreateLike struct {
	AuthorDid string
	Cid       string
	Uri       string
	Like      *LikeRecord
}

type CreateFollow struct {
	AuthorDid string
	Cid       string
	Uri       string
	Follow    *FollowRecord
}

type DeletePost struct{ Uri string }

type DeleteLike struct{ Uri string }

type DeleteFollow struct{ Uri string }

func (CreatePost) isOperation()   {}
func (CreateLike) isOperation()   {}
func (CreateFollow) isOperation() {}
func (DeletePost) isOperation()   {}
func (DeleteLike) isOperation()   {}
func (DeleteFollow) isOperation() {}

// CommitDetails is what the subscriber hands to the processor for each
// commit frame: the firehose sequence number, the commit time, and the
// operations that survived extraction.
type CommitDetails struct {
	Seq        int64
	Time       time.Time
	Operations []Operation
}

// CommitProcessor consumes commits in arrival order. ProcessCommit must
// return before the subscriber reads the next message.
type CommitProcessor interface {
	ProcessCommit(ctx context.Context, commit *CommitDetails) error
}

// Subscriber maintains a websocket subscription to a firehose relay.
type Subscriber struct {
	Host string
}

func NewSubscriber(host string) *Subscriber {
	if host == "" {
		host = DefaultHost
	}
	return &Subscriber{Host: host}
}

func (s *Subscriber) url(cursor *int64) string {
	u := fmt.Sprintf("wss://%s%s", s.Host, subscribePath)
	if cursor != nil {
		u = fmt.Sprintf("%s?cursor=%d", u, *cursor)
	}
	return u
}

// Subscribe connects and reads messages until the transport fails or ctx is
// cancelled. Decode and processor errors are logged and the stream keeps
// going; only transport-level failures end the call.
func (s *Subscriber) Subscribe(ctx context.Context, processor CommitProcessor, cursor *int64) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url(cursor), http.Header{
		"User-Agent": []string{"nederlandskie/0.1"},
	})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.Host, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	slog.Info("subscribed to firehose", "host", s.Host, "cursor", cursor)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading from firehose: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		if err := s.handleMessage(ctx, processor, msg); err != nil {
			slog.Error("failed to handle firehose message", "error", err)
		}
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, processor CommitProcessor, msg []byte) error {
	frame, err := DecodeFrame(msg)
	if err != nil {
		return err
	}

	if frame.IsError() {
		return fmt.Errorf("received error frame: %s: %s", frame.Err.Error, frame.Err.Message)
	}

	if frame.Type != "#commit" {
		return nil
	}

	commit, err := DecodeCommit(frame.Body)
	if err != nil {
		return err
	}

	ops, err := extractOperations(commit)
	if err != nil {
		return err
	}

	t, err := time.Parse(time.RFC3339, commit.Time)
	if err != nil {
		// Commit timestamps are informational; a bad one should not cost
		// us the whole commit.
		t = time.Time{}
	}

	return processor.ProcessCommit(ctx, &CommitDetails{
		Seq:        commit.Seq,
		Time:       t,
		Operations: ops,
	})
}

func extractOperations(commit *atproto.SyncSubscribeRepos_Commit) ([]Operation, error) {
	blocks, err := readBlocks(commit.Blocks)
	if err != nil {
		return nil, err
	}

	var ops []Operation
	for _, op := range commit.Ops {
		collection := op.Path
		if idx := strings.IndexByte(op.Path, '/'); idx >= 0 {
			collection = op.Path[:idx]
		}
		uri := fmt.Sprintf("at://%s/%s", commit.Repo, op.Path)

		switch op.Action {
		case "create":
			if op.Cid == nil {
				continue
			}
			cidStr := cid.Cid(*op.Cid).String()
			block, ok := blocks[cidStr]
			if !ok {
				continue
			}

			switch collection {
			case NSIDFeedPost:
				post, err := DecodePostRecord(block)
				if err != nil {
					return nil, err
				}
				ops = append(ops, CreatePost{AuthorDid: commit.Repo, Cid: cidStr, Uri: uri, Post: post})
			case NSIDFeedLike:
				like, err := DecodeLikeRecord(block)
				if err != nil {
					return nil, err
				}
				ops = append(ops, CreateLike{AuthorDid: commit.Repo, Cid: cidStr, Uri: uri, Like: like})
			case NSIDGraphFollow:
				follow, err := DecodeFollowRecord(block)
				if err != nil {
					return nil, err
				}
				ops = append(ops, CreateFollow{AuthorDid: commit.Repo, Cid: cidStr, Uri: uri, Follow: follow})
			}
		case "delete":
			switch collection {
			case NSIDFeedPost:
				ops = append(ops, DeletePost{Uri: uri})
			case NSIDFeedLike:
				ops = append(ops, DeleteLike{Uri: uri})
			case NSIDGraphFollow:
				ops = append(ops, DeleteFollow{Uri: uri})
			}
		}
	}

	return ops, nil
}

// readBlocks reads the commit's CAR archive into a map keyed by the string
// form of each block's cid.
func readBlocks(carBytes []byte) (map[string][]byte, error) {
	cr, err := car.NewCarReader(bytes.NewReader(carBytes))
	if err != nil {
		return nil, decodeErrorf("reading block archive header: %s", err)
	}

	blocks := make(map[string][]byte)
	for {
		blk, err := cr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return blocks, nil
			}
			return nil, decodeErrorf("reading block archive: %s", err)
		}
		blocks[blk.Cid().String()] = blk.RawData()
	}
}
