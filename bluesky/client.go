package bluesky

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
)

const DefaultHost = "https://bsky.social"

// ProfileDetails is the slice of an actor profile the classifier feeds to
// the language model. Absent fields default to empty strings.
type ProfileDetails struct {
	DisplayName string
	Description string
}

// Client wraps an xrpc client against a PDS / entryway host. The zero
// session state is fine for read-only use; Login is only needed by the
// publishing tools.
type Client struct {
	xrpc    *xrpc.Client
	session *session
}

func NewClient(host string) *Client {
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		xrpc: &xrpc.Client{Host: host},
	}
}

// FetchProfileDetails fetches the app.bsky.actor.profile/self record for
// did. A missing repo or missing record is reported as found=false, not an
// error; the classifier records those as country "xx".
func (c *Client) FetchProfileDetails(ctx context.Context, did string) (ProfileDetails, bool, error) {
	if err := c.refreshIfStale(ctx); err != nil {
		return ProfileDetails{}, false, err
	}

	rec, err := atproto.RepoGetRecord(ctx, c.xrpc, "", "app.bsky.actor.profile", did, "self")
	if err != nil {
		if isProfileMissing(err) {
			return ProfileDetails{}, false, nil
		}
		return ProfileDetails{}, false, fmt.Errorf("fetching profile record for %s: %w", did, err)
	}

	profile, ok := rec.Value.Val.(*bsky.ActorProfile)
	if !ok {
		return ProfileDetails{}, false, fmt.Errorf("record for %s is not a profile", did)
	}

	var details ProfileDetails
	if profile.DisplayName != nil {
		details.DisplayName = *profile.DisplayName
	}
	if profile.Description != nil {
		details.Description = *profile.Description
	}
	return details, true, nil
}

// isProfileMissing recognises the two upstream "not found" shapes: a repo
// that was never created (or got taken down), and a repo without a profile
// record.
func isProfileMissing(err error) bool {
	var xe *xrpc.Error
	if !errors.As(err, &xe) {
		return false
	}
	if xe.StatusCode != http.StatusBadRequest {
		return false
	}

	var body *xrpc.XRPCError
	if !errors.As(xe.Wrapped, &body) {
		return false
	}
	switch body.ErrStr {
	case "RecordNotFound":
		return true
	case "InvalidRequest":
		return strings.HasPrefix(body.Message, "Could not find repo")
	}
	return false
}

// ResolveHandle resolves a handle to its did.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	out, err := atproto.IdentityResolveHandle(ctx, c.xrpc, handle)
	if err != nil {
		return "", fmt.Errorf("resolving handle %s: %w", handle, err)
	}
	return out.Did, nil
}

// UploadBlob uploads raw bytes (a feed avatar) and returns the blob ref to
// embed in a record.
func (c *Client) UploadBlob(ctx context.Context, data []byte) (*lexutil.LexBlob, error) {
	if err := c.refreshIfStale(ctx); err != nil {
		return nil, err
	}

	out, err := atproto.RepoUploadBlob(ctx, c.xrpc, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("uploading blob: %w", err)
	}
	return out.Blob, nil
}

// PublishFeed writes the app.bsky.feed.generator record that makes the feed
// visible in the app. rkey is the feed (algorithm) name.
func (c *Client) PublishFeed(ctx context.Context, publisherDid, feedGenDid, name, displayName, description string, avatar *lexutil.LexBlob) error {
	if err := c.refreshIfStale(ctx); err != nil {
		return err
	}

	var desc *string
	if description != "" {
		desc = &description
	}

	_, err := atproto.RepoPutRecord(ctx, c.xrpc, &atproto.RepoPutRecord_Input{
		Collection: "app.bsky.feed.generator",
		Repo:       publisherDid,
		Rkey:       name,
		Record: &lexutil.LexiconTypeDecoder{Val: &bsky.FeedGenerator{
			Did:         feedGenDid,
			DisplayName: displayName,
			Description: desc,
			Avatar:      avatar,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("putting feed generator record: %w", err)
	}
	return nil
}
